package checkpoint

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
)

type memoryEntry struct {
	cp      Checkpoint
	expires time.Time
}

const maxSweepInterval = time.Minute

type memoryStore struct {
	entries *haxmap.Map[string, memoryEntry]
	ttl     time.Duration
	now     func() time.Time

	sweepEvery time.Duration
	// lastSweep is in unix nanoseconds
	lastSweep atomic.Int64
}

// NewMemory returns a process-local Store for single-node deployments and
// tests. Expired entries are dropped on Load and swept from Save.
func NewMemory(ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &memoryStore{
		entries:    haxmap.New[string, memoryEntry](),
		ttl:        ttl,
		now:        time.Now,
		sweepEvery: min(ttl, maxSweepInterval),
	}
	m.lastSweep.Store(m.now().UnixNano())
	return m
}

func (m *memoryStore) Save(_ context.Context, id string, chunks []string, meta Metadata, thinking []string) error {
	m.maybeSweep()
	m.entries.Set(id, memoryEntry{
		cp: Checkpoint{
			ConversationID: id,
			Chunks:         slices.Clone(chunks),
			ThinkingChunks: slices.Clone(thinking),
			Metadata:       meta,
		},
		expires: m.now().Add(m.ttl),
	})
	return nil
}

func (m *memoryStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	e, ok := m.entries.Get(id)
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expires) {
		m.entries.Del(id)
		return nil, nil
	}
	cp := e.cp
	cp.Chunks = slices.Clone(e.cp.Chunks)
	cp.ThinkingChunks = slices.Clone(e.cp.ThinkingChunks)
	return &cp, nil
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.entries.Del(id)
	return nil
}

// maybeSweep drops expired entries at most once per sweepEvery.
func (m *memoryStore) maybeSweep() {
	now := m.now()
	last := m.lastSweep.Load()
	if now.Sub(time.Unix(0, last)) < m.sweepEvery || !m.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	var expired []string
	m.entries.ForEach(func(id string, e memoryEntry) bool {
		if !now.Before(e.expires) {
			expired = append(expired, id)
		}
		return true
	})
	if len(expired) > 0 {
		m.entries.Del(expired...)
	}
}
