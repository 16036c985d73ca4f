package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"chatrelay/internal/forwarder"
	"chatrelay/internal/relayerr"
)

const stage = "telegram.send"

var (
	codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)
	retryHint  = regexp.MustCompile(`retry after (\d+)`)
)

// Sender posts HTML-formatted messages with one bot token. The bot runs
// offline: it never polls for updates.
type Sender struct {
	bot *tele.Bot
}

func New(token, baseURL string, httpClient *http.Client) (*Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     baseURL,
		Client:  httpClient,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b}, nil
}

func Factory(baseURL string, httpClient *http.Client) forwarder.SenderFactory {
	return func(c forwarder.Credential) (forwarder.Sender, error) {
		return New(c.Secret, baseURL, httpClient)
	}
}

func (s *Sender) Send(ctx context.Context, channelID string, msg forwarder.Message) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return relayerr.Configuration(stage, fmt.Errorf("chat id %q: %w", channelID, err))
	}
	if err := ctx.Err(); err != nil {
		return relayerr.Transient(stage, err)
	}

	text := msg.Text
	if len(msg.AttachmentURLs) > 0 {
		if text != "" {
			text += "\n"
		}
		text += strings.Join(msg.AttachmentURLs, "\n")
	}

	_, err = s.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: len(msg.AttachmentURLs) == 0,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return relayerr.RateLimited(stage, err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return relayerr.RateLimited(stage, err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}

	switch {
	case code == http.StatusTooManyRequests:
		var after time.Duration
		if m := retryHint.FindStringSubmatch(err.Error()); m != nil {
			secs, _ := strconv.Atoi(m[1])
			after = time.Duration(secs) * time.Second
		}
		return relayerr.RateLimited(stage, err, after)
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return relayerr.Configuration(stage, err)
	case code == http.StatusBadRequest:
		if strings.Contains(strings.ToLower(err.Error()), "chat not found") {
			return relayerr.Configuration(stage, err)
		}
		return relayerr.Validation(stage, err)
	default:
		return relayerr.Transient(stage, err)
	}
}
