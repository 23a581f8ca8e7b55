package harvest

import (
	"context"
	"sync"

	"github.com/tavolo/placeharvest/internal/engine/storage"
)

// Deduplicator tracks which place IDs are already persisted. The set is
// re-pulled from the sink before every cell rather than cached across
// cells: a full refresh is O(total records), which is acceptable at
// this data scale and tolerates concurrent external writers.
type Deduplicator struct {
	sink storage.Sink

	mu    sync.RWMutex
	known map[string]struct{}
}

func NewDeduplicator(sink storage.Sink) *Deduplicator {
	return &Deduplicator{sink: sink, known: make(map[string]struct{})}
}

// Refresh replaces the in-memory set with the sink's current contents.
func (d *Deduplicator) Refresh(ctx context.Context) error {
	ids, err := d.sink.KnownIDs(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.known = ids
	d.mu.Unlock()
	return nil
}

func (d *Deduplicator) IsKnown(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.known[id]
	return ok
}

// MarkKnown records an ID ingested during the current cell so later
// candidates skip it without another refresh.
func (d *Deduplicator) MarkKnown(id string) {
	d.mu.Lock()
	d.known[id] = struct{}{}
	d.mu.Unlock()
}

func (d *Deduplicator) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.known)
}
