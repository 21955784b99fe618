// Package outbox turns files dropped into a spool directory into
// outbound text messages.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/otr-sync/internal/errors"
	"github.com/alexjbarnes/otr-sync/internal/state"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

const (
	dirPerm = fs.FileMode(0o700)

	// debounceInterval is how often pending writes are checked.
	debounceInterval = 500 * time.Millisecond

	// settleTime is how long a file must be quiet before it is read.
	settleTime = 300 * time.Millisecond

	failedSuffix = ".failed"
)

// Sender queues a text message. engine.Engine implements it.
type Sender interface {
	SendText(ctx context.Context, conversation uuid.UUID, text string, expiresIn time.Duration) (uuid.UUID, error)
}

// Ledger remembers files that were queued but not yet removed.
type Ledger interface {
	OutboxEntry(id []byte) (*state.OutboxEntry, error)
	RecordOutbox(id []byte, e state.OutboxEntry) error
	DeleteOutbox(id []byte) error
}

// Entry is the content of one spool file.
type Entry struct {
	Conversation string        `yaml:"conversation"`
	Text         string        `yaml:"text"`
	ExpiresIn    time.Duration `yaml:"expires_in"`
}

// Parse decodes a YAML or JSON spool file. The text is NFC-normalised.
func Parse(content []byte) (uuid.UUID, Entry, error) {
	var e Entry
	if err := yaml.Unmarshal(content, &e); err != nil {
		return uuid.Nil, e, fmt.Errorf("%w: %w", syncerr.ErrMalformedOutbox, err)
	}

	conv, err := uuid.Parse(strings.TrimSpace(e.Conversation))
	if err != nil {
		return uuid.Nil, e, fmt.Errorf("%w: conversation: %w", syncerr.ErrMalformedOutbox, err)
	}

	e.Text = norm.NFC.String(strings.TrimSpace(e.Text))
	if e.Text == "" {
		return uuid.Nil, e, fmt.Errorf("%w: empty text", syncerr.ErrMalformedOutbox)
	}

	if e.ExpiresIn < 0 {
		return uuid.Nil, e, fmt.Errorf("%w: negative expires_in", syncerr.ErrMalformedOutbox)
	}

	return conv, e, nil
}

// Watcher watches the spool directory.
type Watcher struct {
	dir    string
	sender Sender
	ledger Ledger
	logger *slog.Logger
}

func NewWatcher(dir string, sender Sender, ledger Ledger, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, sender: sender, ledger: ledger, logger: logger}
}

// Watch sends every file already in the directory, then every file
// written to it, until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, dirPerm); err != nil {
		return fmt.Errorf("creating outbox dir: %w", err)
	}

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	w.logger.Info("outbox watcher started", slog.String("dir", w.dir))

	if err := w.scan(ctx); err != nil {
		return err
	}

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !accepts(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("outbox watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleTime {
					continue
				}

				delete(pending, path)
				w.handle(ctx, path)
			}
		}
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading outbox dir: %w", err)
	}

	for _, e := range entries {
		path := filepath.Join(w.dir, e.Name())
		if e.Type().IsRegular() && accepts(path) {
			w.handle(ctx, path)
		}
	}

	return nil
}

func (w *Watcher) handle(ctx context.Context, path string) {
	nonce, err := w.Process(ctx, path)

	switch {
	case err == nil && nonce != uuid.Nil:
		w.logger.Info("outbox message queued",
			slog.String("path", filepath.Base(path)),
			slog.String("message", nonce.String()),
		)
	case errors.Is(err, syncerr.ErrMalformedOutbox):
		w.logger.Warn("outbox file rejected",
			slog.String("path", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
	case err != nil:
		w.logger.Error("outbox file not sent",
			slog.String("path", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
	}
}

// Process sends one spool file. The file is removed once the message
// was queued. A malformed file is renamed with a .failed suffix. Any
// other error leaves the file for the next start. A file that was
// queued before but could not be removed is removed without sending
// again.
func (w *Watcher) Process(ctx context.Context, path string) (uuid.UUID, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return uuid.Nil, nil
		}

		return uuid.Nil, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return uuid.Nil, nil
		}

		return uuid.Nil, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}

	id := instanceID(path, info.ModTime(), content)

	if prev, err := w.ledger.OutboxEntry(id); err != nil {
		return uuid.Nil, fmt.Errorf("reading outbox ledger: %w", err)
	} else if prev != nil {
		w.logger.Debug("outbox file already queued",
			slog.String("path", filepath.Base(path)),
			slog.String("message", prev.MessageID),
		)

		return uuid.Nil, w.finish(path, id)
	}

	conv, entry, err := Parse(content)
	if err != nil {
		if rerr := os.Rename(path, path+failedSuffix); rerr != nil {
			return uuid.Nil, errors.Join(err, rerr)
		}

		return uuid.Nil, err
	}

	nonce, err := w.sender.SendText(ctx, conv, entry.Text, entry.ExpiresIn)
	if err != nil {
		return uuid.Nil, fmt.Errorf("queueing message: %w", err)
	}

	if err := w.ledger.RecordOutbox(id, state.OutboxEntry{
		Path:      filepath.Base(path),
		MessageID: nonce.String(),
		Queued:    time.Now(),
	}); err != nil {
		return nonce, fmt.Errorf("recording outbox entry: %w", err)
	}

	return nonce, w.finish(path, id)
}

// finish removes a queued file and then its ledger entry. The entry
// outlives the file only when the removal failed.
func (w *Watcher) finish(path string, id []byte) error {
	if err := remove(path); err != nil {
		return err
	}

	if err := w.ledger.DeleteOutbox(id); err != nil {
		return fmt.Errorf("clearing outbox entry: %w", err)
	}

	return nil
}

// instanceID identifies one written file: its name, its modification
// time and its content. Two files with the same text are two messages.
func instanceID(path string, mtime time.Time, content []byte) []byte {
	id := make([]byte, 0, len(content)+64)
	id = append(id, filepath.Base(path)...)
	id = append(id, 0)
	id = strconv.AppendInt(id, mtime.UnixNano(), 10)
	id = append(id, 0)

	return append(id, content...)
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", filepath.Base(path), err)
	}

	return nil
}

// accepts reports whether path looks like a spool file.
func accepts(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}

	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
