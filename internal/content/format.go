package content

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"chatrelay/internal/domain"
	"chatrelay/internal/forwarder"
	"chatrelay/internal/relayerr"
)

const (
	PlatformDiscord  = "discord"
	PlatformTelegram = "telegram"
)

var (
	massMention = regexp.MustCompile(`@(everyone|here)\b`)
	codeSpan    = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]*\\n)?(.*?)```|`([^`\\n]+)`")

	mdBold      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdUnderline = regexp.MustCompile(`__(.+?)__`)
	mdItalic    = regexp.MustCompile(`(^|[^*\w])\*([^*\n]+?)\*([^*\w]|$)|(^|[^_\w])_([^_\n]+?)_([^_\w]|$)`)
	mdStrike    = regexp.MustCompile(`~~(.+?)~~`)
	mdSpoiler   = regexp.MustCompile(`\|\|(.+?)\|\|`)
)

// FormatContent converts source markdown for a destination platform.
// Discord receives it unchanged except for neutered mass mentions; Telegram
// receives escaped HTML.
func FormatContent(content, platform string) string {
	switch platform {
	case PlatformDiscord:
		return massMention.ReplaceAllString(content, "@\u200b$1")
	case PlatformTelegram:
		return telegramHTML(content)
	default:
		return content
	}
}

func telegramHTML(s string) string {
	var b strings.Builder
	last := 0
	for _, m := range codeSpan.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(inlineHTML(s[last:m[0]]))
		if m[2] >= 0 {
			b.WriteString("<pre>" + html.EscapeString(s[m[2]:m[3]]) + "</pre>")
		} else {
			b.WriteString("<code>" + html.EscapeString(s[m[4]:m[5]]) + "</code>")
		}
		last = m[1]
	}
	b.WriteString(inlineHTML(s[last:]))
	return b.String()
}

func inlineHTML(s string) string {
	s = html.EscapeString(s)
	s = mdBold.ReplaceAllString(s, "<b>$1</b>")
	s = mdUnderline.ReplaceAllString(s, "<u>$1</u>")
	s = mdItalic.ReplaceAllString(s, "$1$4<i>$2$5</i>$3$6")
	s = mdStrike.ReplaceAllString(s, "<s>$1</s>")
	s = mdSpoiler.ReplaceAllString(s, "<tg-spoiler>$1</tg-spoiler>")
	return s
}

// ProcessAttachments returns the URLs of image and file attachments in
// order, without duplicates. Quote attachments are rendered into the text
// instead.
func ProcessAttachments(atts []domain.Attachment, platform string) ([]string, error) {
	var (
		out  []string
		seen = map[string]bool{}
	)
	for i, a := range atts {
		switch a.Kind {
		case domain.AttachmentImage, domain.AttachmentFile:
			u, err := url.Parse(a.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return nil, relayerr.Validation("content.attachments",
					fmt.Errorf("%w: #%d %q for %s", domain.ErrInvalidAttachment, i, a.URL, platform))
			}
			if seen[a.URL] {
				continue
			}
			seen[a.URL] = true
			out = append(out, a.URL)
		case domain.AttachmentQuote:
		default:
			return nil, relayerr.Validation("content.attachments",
				fmt.Errorf("%w: #%d unknown kind %q", domain.ErrInvalidAttachment, i, a.Kind))
		}
	}
	return out, nil
}

// RenderQuote formats a quoted message as a block preceding the reply.
func RenderQuote(q domain.Quote, platform string) string {
	name := q.Author.Name
	if name == "" {
		name = q.Author.ID
	}
	switch platform {
	case PlatformTelegram:
		return "<blockquote><b>" + html.EscapeString(name) + "</b>: " + telegramHTML(q.Content) + "</blockquote>"
	default:
		lines := strings.Split(FormatContent(q.Content, platform), "\n")
		for i, l := range lines {
			lines[i] = "> " + l
		}
		lines[0] = "> **" + name + "**: " + strings.TrimPrefix(lines[0], "> ")
		return strings.Join(lines, "\n")
	}
}

// Formatter builds forwarder messages from processed events.
type Formatter struct{}

func (Formatter) Build(ev domain.RawEvent, platform string) (forwarder.Message, error) {
	urls, err := ProcessAttachments(ev.Attachments, platform)
	if err != nil {
		return forwarder.Message{}, err
	}

	var parts []string
	if ev.Quote != nil {
		parts = append(parts, RenderQuote(*ev.Quote, platform))
	}
	for _, a := range ev.Attachments {
		if a.Kind == domain.AttachmentQuote && a.Quote != nil {
			parts = append(parts, RenderQuote(*a.Quote, platform))
		}
	}
	if ev.Content != "" {
		parts = append(parts, FormatContent(ev.Content, platform))
	}

	return forwarder.Message{
		EventID:        ev.ID,
		AuthorName:     ev.Author.Name,
		AvatarURL:      ev.Author.AvatarURL,
		Text:           strings.Join(parts, "\n"),
		AttachmentURLs: urls,
	}, nil
}
