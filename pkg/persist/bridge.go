// Package persist writes the merged page content to durable storage once local editing goes quiet.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	DefaultQuiescence = 2 * time.Second
	DefaultTimeout    = 10 * time.Second
)

// Saver is the storage collaborator. Saving identical content twice must be harmless.
type Saver interface {
	SavePageContent(ctx context.Context, pageID, content string) error
}

type Options struct {
	// Quiescence is how long local edits must pause before a write happens.
	Quiescence time.Duration
	// Timeout bounds a single SavePageContent call.
	Timeout time.Duration
	Logger  *slog.Logger
}

type fingerprint struct {
	sum    uint64
	length int
}

func fingerprintOf(content string) fingerprint {
	return fingerprint{sum: xxhash.Sum64String(content), length: len(content)}
}

// Bridge debounces local change notifications into single storage writes. Content identical to the last
// successful write is never written again. Failed writes are logged and left for the next notification.
type Bridge struct {
	pageID string
	saver  Saver
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	timer     *time.Timer
	pending   *string
	persisted *fingerprint
	stopped   bool
	// writeMu keeps writes in notification order.
	writeMu sync.Mutex
}

func New(pageID string, saver Saver, opts Options) *Bridge {
	if opts.Quiescence <= 0 {
		opts.Quiescence = DefaultQuiescence
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{pageID: pageID, saver: saver, opts: opts, logger: opts.Logger.With("page", pageID)}
}

// MarkPersisted records content as already stored, typically what was loaded from storage.
func (b *Bridge) MarkPersisted(content string) {
	fp := fingerprintOf(content)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persisted = &fp
}

// NotifyLocalChange records the latest content and restarts the quiescence timer.
func (b *Bridge) NotifyLocalChange(content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending = &content
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.opts.Quiescence, b.fire)
}

// Pending reports whether a write is scheduled.
func (b *Bridge) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

func (b *Bridge) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()
	_ = b.write(ctx)
}

// Flush performs any pending write immediately.
func (b *Bridge) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	return b.write(ctx)
}

func (b *Bridge) write(ctx context.Context) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	if b.pending == nil {
		b.mu.Unlock()
		return nil
	}
	content := *b.pending
	b.pending = nil
	fp := fingerprintOf(content)
	if b.persisted != nil && *b.persisted == fp {
		b.mu.Unlock()
		b.logger.Debug("content unchanged, skipping save")
		return nil
	}
	b.mu.Unlock()

	if err := b.saver.SavePageContent(ctx, b.pageID, content); err != nil {
		b.logger.Error("failed to save page content", "err", err)
		return err
	}
	b.mu.Lock()
	b.persisted = &fp
	b.mu.Unlock()
	b.logger.Info("saved page content", "bytes", len(content))
	return nil
}

// Stop cancels any scheduled write. Pending content is dropped unless Flush is called first.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
}
