package dk61

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/fogleman/gg"
	"github.com/lmittmann/tint"
	"github.com/nfnt/resize"
	"golang.org/x/time/rate"
)

// Quote card layout. The card is a fixed-width dark canvas whose
// height grows with the number of wrapped text lines.
const (
	quoteCardWidth      = 1000
	quoteMainTextSize   = 52
	quoteNameTextSize   = 42
	quoteGlobalMargin   = 25
	quoteLineSpacing    = 23
	quoteTextMaxWidth   = 880
	quoteAvatarSize     = 150
	quoteCardHeader     = "Цитаты великих людей"
	quoteAttachmentName = "quote.png"

	// Fonts are not bundled. The operator must place TTF files at
	// these paths relative to the working directory, or point
	// quote.font_regular/quote.font_italic at their own fonts.
	DefaultQuoteFontRegular = "assets/fonts/GoogleSans-Regular.ttf"
	DefaultQuoteFontItalic  = "assets/fonts/GoogleSans-Italic.ttf"
)

// customEmojiToken matches custom emoji in message content, capturing
// the emoji name. Custom emoji can't be rasterized from text, so
// they're reduced to :name: before layout.
var customEmojiToken = regexp.MustCompile(`<a?:(\w+):\d+>`)

// QuoteCard is the resolved input for one rendered card.
type QuoteCard struct {
	// Content is the message text, mentions already replaced
	Content string

	// AuthorName is attributed under the quote
	AuthorName string

	// AvatarURL is the author's avatar, drawn in a circular clip
	AvatarURL string

	// BackgroundURL optionally replaces the black background with a
	// dimmed image (the first sized attachment of the trigger message)
	BackgroundURL string
}

// QuoteRenderer renders messages as PNG "quote cards", and rate-limits
// rendering per user.
type QuoteRenderer struct {
	fontRegular string
	fontItalic  string
	httpClient  *http.Client
	logger      *slog.Logger

	ratePerMinute int
	limiterMu     sync.Mutex
	limiters      map[string]*rate.Limiter
}

func newQuoteRenderer(
	config *QuoteConfig,
	httpClient *http.Client,
	log *slog.Logger,
) *QuoteRenderer {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	q := &QuoteRenderer{
		fontRegular:   DefaultQuoteFontRegular,
		fontItalic:    DefaultQuoteFontItalic,
		httpClient:    httpClient,
		logger:        log.With(loggerNameKey, "quote"),
		limiters:      map[string]*rate.Limiter{},
		ratePerMinute: DefaultQuoteRatePerMinute,
	}
	if config != nil {
		if config.FontRegular != "" {
			q.fontRegular = config.FontRegular
		}
		if config.FontItalic != "" {
			q.fontItalic = config.FontItalic
		}
		q.ratePerMinute = config.RatePerMinute
	}
	return q
}

// Allow reports whether the given user may render another card right
// now.
func (q *QuoteRenderer) Allow(userID string) bool {
	if q.ratePerMinute <= 0 {
		return true
	}
	q.limiterMu.Lock()
	defer q.limiterMu.Unlock()
	limiter, ok := q.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Limit(float64(q.ratePerMinute)/60.0),
			q.ratePerMinute,
		)
		q.limiters[userID] = limiter
	}
	return limiter.Allow()
}

// Render draws the quote card and returns it PNG-encoded.
func (q *QuoteRenderer) Render(ctx context.Context, card QuoteCard) ([]byte, error) {
	content := strings.TrimSpace(card.Content)
	if content == "" {
		return nil, fmt.Errorf("no text to quote")
	}
	content = customEmojiToken.ReplaceAllString(content, ":$1:")
	text := fmt.Sprintf("«%s».", content)

	lines, err := q.wrapText(text)
	if err != nil {
		return nil, err
	}

	height := 155 + linesHeight(len(lines)) + 270
	dc := gg.NewContext(quoteCardWidth, height)

	if card.BackgroundURL != "" {
		if bg, bgErr := q.fetchImage(ctx, card.BackgroundURL); bgErr != nil {
			q.logger.WarnContext(ctx, "error loading quote background", tint.Err(bgErr))
		} else {
			scaled := resize.Resize(
				quoteCardWidth,
				uint(height),
				bg,
				resize.Lanczos3,
			)
			dc.DrawImage(scaled, 0, 0)
			// dim it so white text stays readable
			dc.SetRGBA(0, 0, 0, 0.35)
			dc.DrawRectangle(0, 0, quoteCardWidth, float64(height))
			dc.Fill()
		}
	} else {
		dc.SetRGB(0, 0, 0)
		dc.Clear()
	}

	dc.SetRGB(1, 1, 1)
	if err = dc.LoadFontFace(q.fontRegular, quoteMainTextSize); err != nil {
		return nil, fmt.Errorf("error loading font %q: %w", q.fontRegular, err)
	}
	dc.DrawString(quoteCardHeader, 215, 35+quoteGlobalMargin+quoteMainTextSize)

	if err = dc.LoadFontFace(q.fontItalic, quoteMainTextSize); err != nil {
		return nil, fmt.Errorf("error loading font %q: %w", q.fontItalic, err)
	}
	for i, line := range lines {
		y := float64(155 + i*quoteMainTextSize + i*quoteLineSpacing)
		dc.DrawString(line, 60, y+quoteGlobalMargin+quoteMainTextSize)
	}

	if err = dc.LoadFontFace(q.fontRegular, quoteNameTextSize); err != nil {
		return nil, fmt.Errorf("error loading font %q: %w", q.fontRegular, err)
	}
	nameY := float64(height - 180 + quoteGlobalMargin + quoteNameTextSize)
	dc.DrawString("©", 250, nameY)
	if err = q.loadShrunkFontFace(dc, card.AuthorName); err != nil {
		return nil, err
	}
	dc.DrawString(card.AuthorName, 280, nameY)

	if card.AvatarURL != "" {
		if avatar, avErr := q.fetchImage(ctx, card.AvatarURL); avErr != nil {
			q.logger.WarnContext(ctx, "error loading avatar", tint.Err(avErr))
		} else {
			scaled := resize.Resize(
				quoteAvatarSize,
				quoteAvatarSize,
				avatar,
				resize.Lanczos3,
			)
			radius := float64(quoteAvatarSize / 2)
			avatarY := float64(height - 210)
			dc.DrawCircle(135, avatarY+radius, radius)
			dc.Clip()
			dc.DrawImage(scaled, 60, int(avatarY))
			dc.ResetClip()
		}
	}

	var buf bytes.Buffer
	if err = dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("error encoding quote card: %w", err)
	}
	return buf.Bytes(), nil
}

// wrapText splits the text into lines that fit quoteTextMaxWidth at
// the main text size, greedily by word. Explicit newlines are
// preserved.
func (q *QuoteRenderer) wrapText(text string) ([]string, error) {
	measure := gg.NewContext(quoteCardWidth, 1)
	if err := measure.LoadFontFace(q.fontItalic, quoteMainTextSize); err != nil {
		return nil, fmt.Errorf("error loading font %q: %w", q.fontItalic, err)
	}

	var lines []string
	for _, row := range strings.Split(text, "\n") {
		words := strings.Fields(row)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			candidate := current + " " + word
			if w, _ := measure.MeasureString(candidate); w < quoteTextMaxWidth {
				current = candidate
			} else {
				lines = append(lines, current)
				current = word
			}
		}
		lines = append(lines, current)
	}
	return lines, nil
}

// loadShrunkFontFace loads the regular font at the largest size (at
// most quoteMainTextSize-2) at which name fits next to the avatar.
func (q *QuoteRenderer) loadShrunkFontFace(dc *gg.Context, name string) error {
	for size := quoteMainTextSize - 2; size >= 8; size -= 2 {
		if err := dc.LoadFontFace(q.fontRegular, float64(size)); err != nil {
			return fmt.Errorf("error loading font %q: %w", q.fontRegular, err)
		}
		if w, _ := dc.MeasureString(name); w <= quoteCardWidth-300 {
			return nil
		}
	}
	return nil
}

func (q *QuoteRenderer) fetchImage(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	img, _, err := image.Decode(resp.Body)
	return img, err
}

func linesHeight(n int) int {
	return n*quoteMainTextSize + n*quoteLineSpacing
}

// replaceMentions swaps raw mention tokens (<@id>, <@!id>) in content
// for @username, using the mention list carried on the message.
func replaceMentions(content string, mentions map[string]string) string {
	for id, username := range mentions {
		replacement := "@" + username
		content = strings.ReplaceAll(content, "<@"+id+">", replacement)
		content = strings.ReplaceAll(content, "<@!"+id+">", replacement)
	}
	return content
}
