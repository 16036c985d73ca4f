// Package content turns raw source events into destination-ready messages:
// an ordered stage pipeline over the event, per-platform text formatting,
// quote rendering and attachment URL selection.
package content

import (
	"fmt"
	"regexp"
	"strings"

	"chatrelay/internal/domain"
	"chatrelay/internal/relayerr"
)

// Stage is one step of the event pipeline. Stages must not mutate slices
// shared with their input.
type Stage interface {
	Name() string
	Transform(ev domain.RawEvent) (domain.RawEvent, error)
}

type stageFunc struct {
	name string
	fn   func(domain.RawEvent) (domain.RawEvent, error)
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Transform(ev domain.RawEvent) (domain.RawEvent, error) { return s.fn(ev) }

// StageFunc wraps fn as a named Stage.
func StageFunc(name string, fn func(domain.RawEvent) (domain.RawEvent, error)) Stage {
	return stageFunc{name: name, fn: fn}
}

// Pipeline runs stages in order; the first error stops it.
type Pipeline []Stage

func (p Pipeline) Run(ev domain.RawEvent) (domain.RawEvent, error) {
	for _, s := range p {
		out, err := s.Transform(ev)
		if err != nil {
			return ev, relayerr.Validation("content."+s.Name(), err)
		}
		ev = out
	}
	return ev, nil
}

// DefaultPipeline is the stage list the relay runs at startup. maxLength
// <= 0 disables the length check.
func DefaultPipeline(maxLength int) Pipeline {
	p := Pipeline{ResolveMentions(), TrimWhitespace()}
	if maxLength > 0 {
		p = append(p, MaxLength(maxLength))
	}
	return p
}

var (
	mentionToken = regexp.MustCompile(`<@!?(\d+)>`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
)

// ResolveMentions replaces <@id> tokens with @name for known mentions.
func ResolveMentions() Stage {
	return StageFunc("mentions", func(ev domain.RawEvent) (domain.RawEvent, error) {
		if len(ev.Mentions) == 0 || !strings.Contains(ev.Content, "<@") {
			return ev, nil
		}
		names := make(map[string]string, len(ev.Mentions))
		for _, m := range ev.Mentions {
			if m.UserID != "" && m.Name != "" {
				names[m.UserID] = m.Name
			}
		}
		ev.Content = mentionToken.ReplaceAllStringFunc(ev.Content, func(tok string) string {
			id := mentionToken.FindStringSubmatch(tok)[1]
			if name, ok := names[id]; ok {
				return "@" + name
			}
			return tok
		})
		return ev, nil
	})
}

// TrimWhitespace trims the content and collapses long runs of blank lines.
func TrimWhitespace() Stage {
	return StageFunc("whitespace", func(ev domain.RawEvent) (domain.RawEvent, error) {
		c := strings.ReplaceAll(ev.Content, "\r\n", "\n")
		c = blankRuns.ReplaceAllString(strings.TrimSpace(c), "\n\n")
		ev.Content = c
		return ev, nil
	})
}

// MaxLength rejects events whose content exceeds n runes.
func MaxLength(n int) Stage {
	return StageFunc("max_length", func(ev domain.RawEvent) (domain.RawEvent, error) {
		if l := len([]rune(ev.Content)); l > n {
			return ev, fmt.Errorf("content is %d characters, limit %d", l, n)
		}
		return ev, nil
	})
}
