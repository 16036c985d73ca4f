// Command mock-platform imitates the Discord and Telegram send endpoints so
// the relay can run end to end without real bot tokens. Point
// DISCORD_BASE_URL at http://host:port/discord and TELEGRAM_BASE_URL at
// http://host:port/telegram.
package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port        string  `envconfig:"PORT" default:"8081"`
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"` // fixed | round_robin | weighted
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs     int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	RetryAfter  float64 `envconfig:"MOCK_RETRY_AFTER_SECONDS" default:"2"`
	Token       string  `envconfig:"MOCK_TOKEN"` // empty accepts any token

	Outcomes []string
}

type server struct {
	cfg   config
	idx   atomic.Uint64
	msgID atomic.Int64
	rngMu sync.Mutex
	rng   *rand.Rand
}

func main() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock platform config load failed", "err", err)
		os.Exit(1)
	}
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)

	s := &server{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	router := mux.NewRouter()
	router.HandleFunc("/discord/channels/{channel}/messages", s.handleDiscord).Methods(http.MethodPost)
	router.HandleFunc("/telegram/bot{token}/{method}", s.handleTelegram).Methods(http.MethodPost)

	slog.Info("mock platform listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "outcomes", cfg.Outcomes)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock platform server failed", "err", err)
		os.Exit(1)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock platform request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *server) handleDiscord(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bot ")
	if !s.tokenOK(token) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "401: Unauthorized", "code": 0})
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Cannot send an empty message", "code": 50006})
		return
	}
	if !s.delay(r) {
		return
	}

	switch s.nextOutcome() {
	case "ok":
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         strconv.FormatInt(s.msgID.Add(1), 10),
			"channel_id": mux.Vars(r)["channel"],
			"content":    body.Content,
		})
	case "rate_limit":
		w.Header().Set("Retry-After", strconv.FormatFloat(s.cfg.RetryAfter, 'f', -1, 64))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"message": "You are being rate limited.", "retry_after": s.cfg.RetryAfter, "global": false})
	case "unauthorized":
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "401: Unauthorized", "code": 0})
	case "bad_request":
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid Form Body", "code": 50035})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Internal Server Error", "code": 0})
	}
}

func (s *server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !s.tokenOK(vars["token"]) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
		return
	}
	if vars["method"] != "sendMessage" {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error_code": 404, "description": "Not Found: method not found"})
		return
	}
	var body struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: message text is empty"})
		return
	}
	if !s.delay(r) {
		return
	}

	switch s.nextOutcome() {
	case "ok":
		chatID, _ := strconv.ParseInt(body.ChatID, 10, 64)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": map[string]any{
			"message_id": s.msgID.Add(1),
			"date":       time.Now().Unix(),
			"chat":       map[string]any{"id": chatID, "type": "supergroup"},
			"text":       body.Text,
		}})
	case "rate_limit":
		secs := int(s.cfg.RetryAfter + 0.5)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"ok": false, "error_code": 429,
			"description": "Too Many Requests: retry after " + strconv.Itoa(secs),
			"parameters":  map[string]any{"retry_after": secs},
		})
	case "unauthorized":
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"})
	case "bad_request":
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: can't parse entities"})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error_code": 502, "description": "Bad Gateway"})
	}
}

func (s *server) tokenOK(token string) bool {
	return s.cfg.Token == "" || token == s.cfg.Token
}

// delay sleeps MOCK_DELAY_MS and reports false if the client went away.
func (s *server) delay(r *http.Request) bool {
	if s.cfg.DelayMs <= 0 {
		return true
	}
	t := time.NewTimer(time.Duration(s.cfg.DelayMs) * time.Millisecond)
	defer t.Stop()
	select {
	case <-r.Context().Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		i := s.idx.Add(1) - 1
		return s.cfg.Outcomes[int(i%uint64(len(s.cfg.Outcomes)))]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
