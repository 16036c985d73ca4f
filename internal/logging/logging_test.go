package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestContextHandlerAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithFields(context.Background(), Fields{EventID: "m1", Component: "dispatch"})
	ctx = WithFields(ctx, Fields{Platform: "discord"})
	logger.InfoContext(ctx, "sent")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["event_id"] != "m1" || rec["platform"] != "discord" || rec["component"] != "dispatch" {
		t.Fatalf("missing context fields: %v", rec)
	}
	if _, ok := rec["account_id"]; ok {
		t.Fatalf("empty fields must not be logged: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG") != slog.LevelDebug || parseLevel("") != slog.LevelInfo || parseLevel("warning") != slog.LevelWarn {
		t.Fatalf("unexpected level parsing")
	}
}
