package dk61

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Board post color tiers, keyed off the effective reaction count.
// Recomputed on every render so in-place updates pick up tier changes.
const (
	boardColorYellow  = 0xFEE75C
	boardColorOrange  = 0xE67E22
	boardColorBlurple = 0x5865F2

	tierYellowMin  = 4
	tierOrangeMin  = 6
	tierBlurpleMin = 8

	// boardExcerptMaxLen is Discord's embed description limit
	boardExcerptMaxLen = 4096
)

// boardTierColor returns the embed color for the given effective count,
// or 0 for the base tier (below tierYellowMin).
func boardTierColor(effectiveCount int) int {
	switch {
	case effectiveCount >= tierBlurpleMin:
		return boardColorBlurple
	case effectiveCount >= tierOrangeMin:
		return boardColorOrange
	case effectiveCount >= tierYellowMin:
		return boardColorYellow
	default:
		return 0
	}
}

// boardHeader renders the board post content line:
// "{emoji} **{count}** <#channel>"
func boardHeader(ev *ReactionEvent) string {
	return fmt.Sprintf(
		"%s **%d** <#%s>",
		ev.Emoji,
		ev.EffectiveCount(),
		ev.ChannelID,
	)
}

// boardEmbed builds the embed body for a board post: author identity,
// the source excerpt when non-empty, a jump link, and the first
// attachment as an image unless the source channel is NSFW.
func boardEmbed(ev *ReactionEvent) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name:    ev.AuthorUsername,
			IconURL: ev.AuthorAvatarURL,
		},
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "Source:",
				Value: fmt.Sprintf("[Jump!](%s)", ev.MessageURL()),
			},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Color:     boardTierColor(ev.EffectiveCount()),
	}

	if ev.Content != "" {
		embed.Description = truncate(ev.Content, boardExcerptMaxLen)
	}

	if ev.AttachmentURL != "" && !ev.ChannelNSFW {
		embed.Image = &discordgo.MessageEmbedImage{URL: ev.AttachmentURL}
	}

	return embed
}

// newBoardPost renders the payload for a first promotion.
func newBoardPost(ev *ReactionEvent) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: boardHeader(ev),
		Embeds:  []*discordgo.MessageEmbed{boardEmbed(ev)},
	}
}

// newBoardPostEdit renders an in-place update for an existing board
// post, addressed by channel and message ID.
func newBoardPostEdit(
	boardChannelID string,
	boardMessageID string,
	ev *ReactionEvent,
) *discordgo.MessageEdit {
	content := boardHeader(ev)
	embeds := []*discordgo.MessageEmbed{boardEmbed(ev)}
	return &discordgo.MessageEdit{
		ID:      boardMessageID,
		Channel: boardChannelID,
		Content: &content,
		Embeds:  &embeds,
	}
}
