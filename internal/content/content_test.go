package content

import (
	"errors"
	"strings"
	"testing"

	"chatrelay/internal/domain"
	"chatrelay/internal/relayerr"
)

func TestFormatContentDiscordNeutersMassMentions(t *testing.T) {
	got := FormatContent("hey @everyone and @here, ping @alice", PlatformDiscord)
	if strings.Contains(got, "@everyone") || strings.Contains(got, "@here") {
		t.Fatalf("mass mention survived: %q", got)
	}
	if !strings.Contains(got, "@alice") {
		t.Fatalf("regular mention altered: %q", got)
	}
}

func TestFormatContentTelegramHTML(t *testing.T) {
	cases := map[string]string{
		"**bold** and *it* and ~~gone~~":  "<b>bold</b> and <i>it</i> and <s>gone</s>",
		"a < b & c":                       "a &lt; b &amp; c",
		"use `x<y` here":                  "use <code>x&lt;y</code> here",
		"```go\nfmt.Println(\"**\")\n```": "<pre>fmt.Println(&#34;**&#34;)\n</pre>",
		"snake_case_name stays":           "snake_case_name stays",
		"__under__ ||secret||":            "<u>under</u> <tg-spoiler>secret</tg-spoiler>",
	}
	for in, want := range cases {
		if got := FormatContent(in, PlatformTelegram); got != want {
			t.Errorf("FormatContent(%q) = %q, want %q", in, got, want)
		}
	}
	if got := FormatContent("**as is**", "matrix"); got != "**as is**" {
		t.Fatalf("unknown platforms get passthrough, got %q", got)
	}
}

func TestProcessAttachments(t *testing.T) {
	atts := []domain.Attachment{
		{Kind: domain.AttachmentImage, URL: "https://cdn.example/a.png"},
		{Kind: domain.AttachmentQuote, Quote: &domain.Quote{Content: "q"}},
		{Kind: domain.AttachmentFile, URL: "https://cdn.example/b.pdf"},
		{Kind: domain.AttachmentImage, URL: "https://cdn.example/a.png"},
	}
	urls, err := ProcessAttachments(atts, PlatformDiscord)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(urls) != 2 || urls[0] != "https://cdn.example/a.png" || urls[1] != "https://cdn.example/b.pdf" {
		t.Fatalf("unexpected urls %v", urls)
	}

	_, err = ProcessAttachments([]domain.Attachment{{Kind: domain.AttachmentFile, URL: "file:///etc/passwd"}}, PlatformDiscord)
	if !relayerr.Is(err, relayerr.KindValidation) || !errors.Is(err, domain.ErrInvalidAttachment) {
		t.Fatalf("expected invalid attachment, got %v", err)
	}
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	ev := domain.RawEvent{
		ID:       "m1",
		Content:  "  hi <@42> and <@!7>\n\n\n\nbye  ",
		Mentions: []domain.Mention{{UserID: "42", Name: "bob"}},
	}
	out, err := DefaultPipeline(0).Run(ev)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Content != "hi @bob and <@!7>\n\nbye" {
		t.Fatalf("unexpected content %q", out.Content)
	}
	if ev.Content == out.Content {
		t.Fatalf("input event must not be modified")
	}

	var order []string
	p := Pipeline{
		StageFunc("first", func(e domain.RawEvent) (domain.RawEvent, error) { order = append(order, "first"); return e, nil }),
		StageFunc("second", func(e domain.RawEvent) (domain.RawEvent, error) { order = append(order, "second"); return e, nil }),
	}
	if _, err := p.Run(ev); err != nil || strings.Join(order, ",") != "first,second" {
		t.Fatalf("unexpected order %v err=%v", order, err)
	}
}

func TestPipelineStageErrorNamesStage(t *testing.T) {
	_, err := DefaultPipeline(5).Run(domain.RawEvent{Content: "far too long"})
	if !relayerr.Is(err, relayerr.KindValidation) || relayerr.StageOf(err) != "content.max_length" {
		t.Fatalf("expected max_length validation error, got %v", err)
	}
}

func TestBuildRendersQuotesAndAttachments(t *testing.T) {
	ev := domain.RawEvent{
		ID:      "m1",
		Author:  domain.Author{ID: "u1", Name: "alice", AvatarURL: "https://cdn.example/a.jpg"},
		Content: "agreed **strongly**",
		Quote:   &domain.Quote{Author: domain.Author{Name: "bob"}, Content: "ship it"},
		Attachments: []domain.Attachment{
			{Kind: domain.AttachmentImage, URL: "https://cdn.example/x.png"},
		},
	}

	msg, err := Formatter{}.Build(ev, PlatformTelegram)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "<blockquote><b>bob</b>: ship it</blockquote>\nagreed <b>strongly</b>"
	if msg.Text != want {
		t.Fatalf("unexpected text %q", msg.Text)
	}
	if msg.AuthorName != "alice" || len(msg.AttachmentURLs) != 1 || msg.EventID != "m1" {
		t.Fatalf("unexpected message %+v", msg)
	}

	msg, _ = Formatter{}.Build(ev, PlatformDiscord)
	if !strings.HasPrefix(msg.Text, "> **bob**: ship it\n") {
		t.Fatalf("unexpected discord quote %q", msg.Text)
	}
}
