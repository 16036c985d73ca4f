// Package mapping resolves a source (server, channel) pair to its
// destination targets. The table is loaded from YAML and hot-reloaded.
package mapping

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"chatrelay/internal/domain"
)

// Wildcard as a route's server matches any source server.
const Wildcard = "*"

type fileTarget struct {
	Platform   string `yaml:"platform"`
	Credential string `yaml:"credential"`
	ChannelID  string `yaml:"channel_id"`
	Enabled    *bool  `yaml:"enabled"`
}

type fileRoute struct {
	Server  string       `yaml:"server"`
	Channel string       `yaml:"channel"`
	Targets []fileTarget `yaml:"targets"`
}

type file struct {
	Routes []fileRoute `yaml:"routes"`
}

type routeKey struct {
	server, channel string
}

// Table is an immutable routing table.
type Table struct {
	routes map[routeKey][]domain.Target
}

// Parse decodes and validates a mapping document. Targets default to
// enabled.
func Parse(b []byte) (*Table, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}

	t := &Table{routes: map[routeKey][]domain.Target{}}
	for i, r := range f.Routes {
		if r.Channel == "" {
			return nil, fmt.Errorf("route %d: channel is required", i)
		}
		server := r.Server
		if server == "" {
			server = Wildcard
		}
		key := routeKey{server: server, channel: r.Channel}
		for j, ft := range r.Targets {
			if ft.Platform == "" || ft.ChannelID == "" {
				return nil, fmt.Errorf("route %d target %d: platform and channel_id are required", i, j)
			}
			enabled := true
			if ft.Enabled != nil {
				enabled = *ft.Enabled
			}
			t.routes[key] = append(t.routes[key], domain.Target{
				Platform:      strings.ToLower(ft.Platform),
				CredentialRef: ft.Credential,
				ChannelID:     ft.ChannelID,
				Enabled:       enabled,
			})
		}
	}
	return t, nil
}

// Targets returns the enabled targets for a source channel. Routes for the
// exact server come first, then wildcard routes; duplicates are dropped.
func (t *Table) Targets(serverID, channelID string) []domain.Target {
	if t == nil {
		return nil
	}
	var out []domain.Target
	seen := map[string]bool{}
	for _, key := range []routeKey{{serverID, channelID}, {Wildcard, channelID}} {
		for _, tg := range t.routes[key] {
			if !tg.Enabled || seen[tg.String()] {
				continue
			}
			seen[tg.String()] = true
			out = append(out, tg)
		}
	}
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Store holds the current table and swaps it atomically on reload, so
// readers see either the old or the new table in full.
type Store struct {
	path  string
	table atomic.Pointer[Table]
	log   *slog.Logger
}

func NewStore(path string) *Store {
	return &Store{path: path, log: slog.Default().With("component", "mapping")}
}

func (s *Store) Load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	t, err := Parse(b)
	if err != nil {
		return err
	}
	s.table.Store(t)
	return nil
}

// Set installs a table directly.
func (s *Store) Set(t *Table) { s.table.Store(t) }

func (s *Store) GetTargets(serverID, channelID string) []domain.Target {
	return s.table.Load().Targets(serverID, channelID)
}

// Watch reloads the file on change until ctx is done. Bursts of events are
// debounced; a file that fails to parse keeps the previous table.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, name := filepath.Dir(s.path), filepath.Base(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := s.Load(); err != nil {
				s.log.Warn("mapping reload failed, keeping previous table", "path", s.path, "err", err)
				return
			}
			s.log.Info("mapping reloaded", "path", s.path, "routes", s.table.Load().Len())
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("mapping watcher closed")
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("mapping watcher closed")
			}
			s.log.Warn("mapping watcher error", "err", err)
		}
	}
}
