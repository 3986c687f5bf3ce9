package dk61

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoardTierColor(t *testing.T) {
	testCases := []struct {
		count    int
		expected int
	}{
		{count: 0, expected: 0},
		{count: 3, expected: 0},
		{count: 4, expected: boardColorYellow},
		{count: 5, expected: boardColorYellow},
		{count: 6, expected: boardColorOrange},
		{count: 7, expected: boardColorOrange},
		{count: 8, expected: boardColorBlurple},
		{count: 100, expected: boardColorBlurple},
	}
	for _, tc := range testCases {
		assert.Equalf(
			t,
			tc.expected,
			boardTierColor(tc.count),
			"count %d",
			tc.count,
		)
	}
}

func TestBoardTierColorMonotonic(t *testing.T) {
	// tier colors only ever escalate as the count grows
	rank := map[int]int{
		0:                 0,
		boardColorYellow:  1,
		boardColorOrange:  2,
		boardColorBlurple: 3,
	}
	prev := 0
	for count := 0; count <= 50; count++ {
		current := rank[boardTierColor(count)]
		assert.GreaterOrEqual(t, current, prev, "count %d", count)
		prev = current
	}
}

func TestBoardHeader(t *testing.T) {
	ev := &ReactionEvent{
		Emoji:     "⭐",
		ChannelID: "chan-1",
		RawCount:  7,
	}
	assert.Equal(t, "⭐ **7** <#chan-1>", boardHeader(ev))

	ev.AuthorReacted = true
	assert.Equal(t, "⭐ **6** <#chan-1>", boardHeader(ev))
}

func TestBoardEmbed(t *testing.T) {
	ev := &ReactionEvent{
		GuildID:         "g1",
		ChannelID:       "c1",
		MessageID:       "m1",
		AuthorUsername:  "alice",
		AuthorAvatarURL: "https://cdn.example.com/avatar.png",
		Content:         "something insightful",
		AttachmentURL:   "https://cdn.example.com/pic.png",
		RawCount:        6,
	}

	embed := boardEmbed(ev)

	require.NotNil(t, embed.Author)
	assert.Equal(t, "alice", embed.Author.Name)
	assert.Equal(t, "https://cdn.example.com/avatar.png", embed.Author.IconURL)
	assert.Equal(t, "something insightful", embed.Description)
	assert.Equal(t, boardColorOrange, embed.Color)
	assert.NotEmpty(t, embed.Timestamp)

	require.Len(t, embed.Fields, 1)
	assert.Equal(t, "Source:", embed.Fields[0].Name)
	assert.Equal(
		t,
		"[Jump!](https://discord.com/channels/g1/c1/m1)",
		embed.Fields[0].Value,
	)

	require.NotNil(t, embed.Image)
	assert.Equal(t, "https://cdn.example.com/pic.png", embed.Image.URL)
}

func TestBoardEmbedLongContentTruncated(t *testing.T) {
	ev := &ReactionEvent{
		GuildID:   "g1",
		ChannelID: "c1",
		MessageID: "m1",
		Content:   strings.Repeat("я", boardExcerptMaxLen+100),
		RawCount:  3,
	}
	embed := boardEmbed(ev)
	assert.Equal(
		t,
		boardExcerptMaxLen,
		utf8.RuneCountInString(embed.Description),
	)
}

func TestBoardEmbedEmptyContent(t *testing.T) {
	// attachment-only messages get no description rather than an empty one
	ev := &ReactionEvent{
		GuildID:       "g1",
		ChannelID:     "c1",
		MessageID:     "m1",
		AttachmentURL: "https://cdn.example.com/pic.png",
		RawCount:      3,
	}
	embed := boardEmbed(ev)
	assert.Empty(t, embed.Description)
	require.NotNil(t, embed.Image)
}

func TestNewBoardPostEdit(t *testing.T) {
	ev := &ReactionEvent{
		Emoji:     "⭐",
		GuildID:   "g1",
		ChannelID: "c1",
		MessageID: "m1",
		RawCount:  4,
	}
	edit := newBoardPostEdit("board-chan", "board-msg", ev)

	assert.Equal(t, "board-msg", edit.ID)
	assert.Equal(t, "board-chan", edit.Channel)
	require.NotNil(t, edit.Content)
	assert.Equal(t, "⭐ **4** <#c1>", *edit.Content)
	require.NotNil(t, edit.Embeds)
	require.Len(t, *edit.Embeds, 1)
	assert.Equal(t, boardColorYellow, (*edit.Embeds)[0].Color)
}
