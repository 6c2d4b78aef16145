package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type msgKind int8

const (
	msgComplete msgKind = iota
	msgCursor
	msgFlush
)

type message struct {
	kind   msgKind
	key    string
	rev    int64
	cursor string
	reply  chan error
}

// Ledger is the single writer for checkpoint state. Completion marks and
// cursor advances arrive over a queue into one goroutine, so concurrent
// task completions merge without locking; the completed-set union is
// commutative, so arrival order across pages does not matter.
type Ledger struct {
	store  Store
	rec    *Record
	msgs   chan message
	doneCh chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	lastErr   error
}

// NewLedger starts the writer goroutine over the given record. The caller
// must not mutate rec after handing it over.
func NewLedger(store Store, rec *Record, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:  store,
		rec:    rec,
		msgs:   make(chan message, 256),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// MarkCompleted records a page key and its last successful revision. The
// write to the backing store happens on the ledger goroutine, after the
// page's fetch, diff, and store have all succeeded.
func (l *Ledger) MarkCompleted(key string, rev int64) {
	l.msgs <- message{kind: msgComplete, key: key, rev: rev}
}

// SetCursor advances the discovery cursor.
func (l *Ledger) SetCursor(cursor string) {
	l.msgs <- message{kind: msgCursor, cursor: cursor}
}

// Flush forces a store write and waits for it, returning the first write
// error seen since the last Flush.
func (l *Ledger) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case l.msgs <- message{kind: msgFlush, reply: reply}:
	case <-l.doneCh:
		return l.takeErr()
	case <-ctx.Done():
		return fmt.Errorf("ledger flush: %w", ctx.Err())
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("ledger flush wait: %w", ctx.Err())
	}
}

// Close performs one final flush and stops the writer. Safe to call more
// than once.
func (l *Ledger) Close(ctx context.Context) error {
	err := l.Flush(ctx)
	l.closeOnce.Do(func() {
		close(l.msgs)
	})
	select {
	case <-l.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("ledger close wait: %w", ctx.Err())
	}
	if err != nil {
		return err
	}
	return l.takeErr()
}

func (l *Ledger) run() {
	defer close(l.doneCh)
	for msg := range l.msgs {
		switch msg.kind {
		case msgComplete:
			l.rec.Completed[msg.key] = msg.rev
			l.save()
		case msgCursor:
			l.rec.Cursor = msg.cursor
			l.save()
		case msgFlush:
			l.save()
			msg.reply <- l.takeErr()
		}
	}
}

func (l *Ledger) save() {
	l.rec.UpdatedAt = time.Now().UTC()
	if err := l.store.Save(context.Background(), l.rec); err != nil {
		l.logger.Warn("checkpoint save failed", zap.Error(err))
		l.mu.Lock()
		if l.lastErr == nil {
			l.lastErr = err
		}
		l.mu.Unlock()
	}
}

func (l *Ledger) takeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.lastErr
	l.lastErr = nil
	return err
}
