package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/forwarder"
	"chatrelay/internal/relayerr"
)

const stage = "discord.send"

// Client posts messages through the Discord bot REST API with one bot token.
type Client struct {
	Token   string
	BaseURL string
	HTTP    *http.Client
}

func New(token, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{Token: token, BaseURL: baseURL, HTTP: httpClient}
}

// Factory adapts New to forwarder.SenderFactory.
func Factory(baseURL string, httpClient *http.Client) forwarder.SenderFactory {
	return func(c forwarder.Credential) (forwarder.Sender, error) {
		if strings.TrimSpace(c.Secret) == "" {
			return nil, errors.New("empty bot token")
		}
		return New(c.Secret, baseURL, httpClient), nil
	}
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

type embedAuthor struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
}

type embed struct {
	Author *embedAuthor `json:"author,omitempty"`
}

type createMessage struct {
	Content         string          `json:"content"`
	Embeds          []embed         `json:"embeds,omitempty"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type apiError struct {
	Message    string  `json:"message"`
	Code       int     `json:"code"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

func (c *Client) Send(ctx context.Context, channelID string, msg forwarder.Message) error {
	content := msg.Text
	if len(msg.AttachmentURLs) > 0 {
		if content != "" {
			content += "\n"
		}
		content += strings.Join(msg.AttachmentURLs, "\n")
	}
	body := createMessage{
		Content:         content,
		AllowedMentions: allowedMentions{Parse: []string{}},
	}
	if msg.AuthorName != "" {
		body.Embeds = []embed{{Author: &embedAuthor{Name: msg.AuthorName, IconURL: msg.AvatarURL}}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return relayerr.Validation(stage, err)
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	endpoint := baseURL + "/channels/" + channelID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return relayerr.Configuration(stage, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return relayerr.Transient(stage, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classify(resp, b)
}

func classify(resp *http.Response, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	err := fmt.Errorf("discord %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return relayerr.RateLimited(stage, err, retryAfter(resp, ae))
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		// bad token, missing permission or unknown channel
		return relayerr.Configuration(stage, err)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return relayerr.Transient(stage, err)
	case resp.StatusCode >= 400:
		return relayerr.Validation(stage, err)
	default:
		return relayerr.Transient(stage, err)
	}
}

func retryAfter(resp *http.Response, ae apiError) time.Duration {
	if ae.RetryAfter > 0 {
		return time.Duration(ae.RetryAfter * float64(time.Second))
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}
