package dk61

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceMentions(t *testing.T) {
	mentions := map[string]string{
		"111": "alice",
		"222": "bob",
	}
	content := "hey <@111> and <@!222>, look at <@333>"
	assert.Equal(
		t,
		"hey @alice and @bob, look at <@333>",
		replaceMentions(content, mentions),
	)
}

func TestCustomEmojiToken(t *testing.T) {
	content := "nice <:kekw:123456789> and <a:party:987654321>!"
	assert.Equal(
		t,
		"nice :kekw: and :party:!",
		customEmojiToken.ReplaceAllString(content, ":$1:"),
	)
}

func TestQuoteRendererAllow(t *testing.T) {
	q := newQuoteRenderer(
		&QuoteConfig{RatePerMinute: 2},
		nil,
		testLogger(t),
	)

	// burst of RatePerMinute is allowed, then throttled
	assert.True(t, q.Allow("u1"))
	assert.True(t, q.Allow("u1"))
	assert.False(t, q.Allow("u1"))

	// limits are per user
	assert.True(t, q.Allow("u2"))
}

func TestQuoteRendererAllowUnlimited(t *testing.T) {
	q := newQuoteRenderer(
		&QuoteConfig{RatePerMinute: 0},
		nil,
		testLogger(t),
	)
	for i := 0; i < 50; i++ {
		assert.True(t, q.Allow("u1"))
	}
}

func TestLinesHeight(t *testing.T) {
	assert.Zero(t, linesHeight(0))
	assert.Equal(t, quoteMainTextSize+quoteLineSpacing, linesHeight(1))
	assert.Equal(t, 3*(quoteMainTextSize+quoteLineSpacing), linesHeight(3))
}

func TestQuoteCardFromMessage(t *testing.T) {
	msg := &discordgo.Message{
		Content: "listen to <@111>",
		Author: &discordgo.User{
			ID:       "author-1",
			Username: "alice",
		},
		Mentions: []*discordgo.User{
			{ID: "111", Username: "bob"},
		},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.example.com/file.zip"},
			{URL: "https://cdn.example.com/photo.png", Width: 800, Height: 600},
		},
	}

	card := quoteCardFromMessage(msg)

	assert.Equal(t, "listen to @bob", card.Content)
	assert.Equal(t, "alice", card.AuthorName)
	require.NotEmpty(t, card.AvatarURL)
	// the first attachment with dimensions becomes the background
	assert.Equal(t, "https://cdn.example.com/photo.png", card.BackgroundURL)
}

func TestQuoteCardFromMessageNoAttachments(t *testing.T) {
	msg := &discordgo.Message{
		Content: "plain words",
		Author:  &discordgo.User{ID: "a", Username: "alice"},
	}
	card := quoteCardFromMessage(msg)
	assert.Empty(t, card.BackgroundURL)
	assert.Equal(t, "plain words", card.Content)
}
