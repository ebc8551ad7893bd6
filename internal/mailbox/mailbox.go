// ABOUTME: Filesystem mailbox transport for environments without loopback sockets.
// ABOUTME: One JSON file per message; inbox files are deleted only after dispatch.

package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopcast/bridge/internal/bridge"
	"github.com/loopcast/bridge/internal/dedupe"
)

// DefaultPollInterval is how often the inbox is scanned when the caller
// does not override it.
const DefaultPollInterval = 500 * time.Millisecond

// MessageHandler is invoked once per valid inbox message.
type MessageHandler func(msg *bridge.Message)

// Transport implements the bridge contract purely with the filesystem.
// Send writes one file per message into outbox/; a poll loop consumes
// inbox/. A file is deleted only after its message has been parsed,
// validated, and dispatched, so a crash mid-dispatch redelivers the file
// on the next run: at-least-once across crashes, effectively once in
// normal operation (the dedupe cache absorbs in-process redeliveries).
type Transport struct {
	logger       *slog.Logger
	dir          string
	pollInterval time.Duration

	mu       sync.Mutex
	handlers []MessageHandler
	seen     *dedupe.Cache
	done     chan struct{}
	running  bool
	badFiles map[string]bool
}

// New creates a transport rooted at dir (the .bridge directory). Nothing
// touches the filesystem until Connect.
func New(dir string, pollInterval time.Duration, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Transport{
		logger:       logger.With("component", "mailbox"),
		dir:          dir,
		pollInterval: pollInterval,
		badFiles:     make(map[string]bool),
	}
}

// OutboxDir returns the directory Send writes into.
func (t *Transport) OutboxDir() string { return filepath.Join(t.dir, "outbox") }

// InboxDir returns the directory the poll loop consumes.
func (t *Transport) InboxDir() string { return filepath.Join(t.dir, "inbox") }

// Connect creates the outbox and inbox directories and starts the poll
// loop. Existing directories are reused. A disconnected transport may be
// connected again; each connection gets its own dedupe cache.
func (t *Transport) Connect() error {
	for _, dir := range []string{t.OutboxDir(), t.InboxDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating mailbox directory: %w", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	t.seen = dedupe.New(10*time.Minute, 1000)
	t.done = make(chan struct{})
	go t.pollLoop(t.done, t.seen)

	t.logger.Info("mailbox transport connected", "dir", t.dir)
	return nil
}

// Send serializes the message into a uniquely named outbox file. The name
// combines a timestamp with a uuid so rapid successive sends never collide.
func (t *Transport) Send(msg *bridge.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serializing message: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.New().String())
	path := filepath.Join(t.OutboxDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing outbox file: %w", err)
	}
	return nil
}

// OnMessage registers a handler for inbox messages. Handlers run in
// registration order on the poll goroutine.
func (t *Transport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Disconnect stops the poll loop. Messages already dispatched are not
// replayed; files not yet consumed stay in the inbox for the next run.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.done)
	t.seen.Close()
	t.seen = nil
}

// pollLoop scans the inbox on a fixed interval until Disconnect. The cache
// is passed in because it belongs to one connection, not the transport.
func (t *Transport) pollLoop(done <-chan struct{}, seen *dedupe.Cache) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.consumeInbox(seen)
		}
	}
}

// consumeInbox processes every readable inbox file. A missing inbox is
// "no messages": the loop keeps its schedule and self-heals once the
// directory reappears. Malformed files are logged once and left in place.
func (t *Transport) consumeInbox(seen *dedupe.Cache) {
	entries, err := os.ReadDir(t.InboxDir())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		t.logger.Warn("inbox scan failed", "error", err)
		return
	}

	// Filenames start with a nanosecond timestamp, so lexical order is
	// arrival order.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		t.consumeFile(seen, filepath.Join(t.InboxDir(), name))
	}
}

// consumeFile parses, validates, dispatches, then deletes one inbox file.
// Delete happens last: an unread file survives a crash and is redelivered.
func (t *Transport) consumeFile(seen *dedupe.Cache, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		t.logger.Warn("unreadable inbox file", "path", path, "error", err)
		return
	}

	msg, err := bridge.Decode(data)
	if err != nil {
		t.logQuarantined(path, err)
		return
	}

	if msg.ID != "" && seen.SeenAndMark(msg.ID) {
		// Already dispatched this process run; just clean up the file.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("failed to remove duplicate inbox file", "path", path, "error", err)
		}
		return
	}

	t.mu.Lock()
	handlers := make([]MessageHandler, len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("failed to remove consumed inbox file", "path", path, "error", err)
	}
}

// logQuarantined logs a malformed file the first time it is seen. The file
// stays in place for inspection rather than being deleted.
func (t *Transport) logQuarantined(path string, cause error) {
	t.mu.Lock()
	already := t.badFiles[path]
	t.badFiles[path] = true
	t.mu.Unlock()

	if !already {
		t.logger.Warn("malformed inbox file left in place", "path", path, "error", cause)
	}
}
