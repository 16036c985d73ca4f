package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
	AttachmentQuote AttachmentKind = "quote"
)

type Author struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Attachment is a tagged variant; only the fields for Kind are meaningful.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url,omitempty"`
	Name string         `json:"name,omitempty"`
	Size int64          `json:"size,omitempty"`
	// Quote variant
	Quote *Quote `json:"quote,omitempty"`
}

type Quote struct {
	MessageID string `json:"messageId"`
	Author    Author `json:"author"`
	Content   string `json:"content"`
}

type Mention struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// RawEvent is one captured source message. ID is unique per source platform
// and is the idempotency key for everything downstream.
type RawEvent struct {
	ID          string       `json:"id"`
	ServerID    string       `json:"serverId"`
	ChannelID   string       `json:"channelId"`
	Author      Author       `json:"author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Mentions    []Mention    `json:"mentions,omitempty"`
	Quote       *Quote       `json:"quotedMessage,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

var (
	ErrMissingFields     = errors.New("missing required fields")
	ErrEmptyMessage      = errors.New("message has no content and no attachments")
	ErrInvalidAttachment = errors.New("invalid attachment")
)

func (e RawEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" || e.ChannelID == "" || e.Author.ID == "" {
		return ErrMissingFields
	}
	if strings.TrimSpace(e.Content) == "" && len(e.Attachments) == 0 && e.Quote == nil {
		return ErrEmptyMessage
	}
	for i, a := range e.Attachments {
		switch a.Kind {
		case AttachmentImage, AttachmentFile:
			u, err := url.Parse(a.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("%w: #%d %s url %q", ErrInvalidAttachment, i, a.Kind, a.URL)
			}
		case AttachmentQuote:
			if a.Quote == nil {
				return fmt.Errorf("%w: #%d quote without body", ErrInvalidAttachment, i)
			}
		default:
			return fmt.Errorf("%w: #%d unknown kind %q", ErrInvalidAttachment, i, a.Kind)
		}
	}
	return nil
}

// Target is one resolved destination for a source channel.
type Target struct {
	Platform      string `json:"platform" yaml:"platform"`
	CredentialRef string `json:"credentialRef,omitempty" yaml:"credential"`
	ChannelID     string `json:"channelId" yaml:"channel_id"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
}

func (t Target) String() string {
	return t.Platform + ":" + t.ChannelID
}
