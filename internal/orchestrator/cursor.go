package orchestrator

import "sync"

// cursorTracker decides when the checkpoint cursor may advance. A batch
// cursor becomes safe only once every page delivered under it has
// completed, so a resume can re-deliver an interrupted batch but never
// skips a page that was submitted and lost.
type cursorTracker struct {
	mu      sync.Mutex
	batches []*batchState
	byKey   map[string]*batchState
}

type batchState struct {
	cursor  string
	pending map[string]struct{}
}

func newCursorTracker() *cursorTracker {
	return &cursorTracker{byKey: make(map[string]*batchState)}
}

// add registers a submitted page under the batch identified by cursor.
// Consecutive adds with the same cursor share a batch.
func (t *cursorTracker) add(cursor, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var batch *batchState
	if n := len(t.batches); n > 0 && t.batches[n-1].cursor == cursor {
		batch = t.batches[n-1]
	} else {
		batch = &batchState{cursor: cursor, pending: make(map[string]struct{})}
		t.batches = append(t.batches, batch)
	}
	batch.pending[key] = struct{}{}
	t.byKey[key] = batch
}

// complete marks a page done and reports the safest resume cursor. The
// returned cursor points at the earliest batch that still has pending
// pages; ok is false while nothing can be said yet. Failed pages are
// never completed, so the cursor stalls at their batch and a resume
// retries them.
func (t *cursorTracker) complete(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch, known := t.byKey[key]
	if !known {
		return "", false
	}
	delete(t.byKey, key)
	delete(batch.pending, key)

	var last string
	for len(t.batches) > 0 && len(t.batches[0].pending) == 0 {
		last = t.batches[0].cursor
		t.batches = t.batches[1:]
	}
	if len(t.batches) > 0 {
		return t.batches[0].cursor, true
	}
	if last != "" {
		// Everything seen so far is done; the next batch cursor is not
		// known yet, so stay on the drained one.
		return last, true
	}
	return "", false
}
