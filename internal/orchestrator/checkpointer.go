package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/slipstream/internal/checkpoint"
	"github.com/casualjim/slipstream/pkg/slogx"
)

type snapshot struct {
	chunks   []string
	thinking []string
	meta     checkpoint.Metadata
}

// checkpointer writes a session's checkpoints off the streaming path. Writes
// are serialized and coalesced: when saves fall behind only the newest
// snapshot is written, so the stored chunks only ever grow.
type checkpointer struct {
	store   checkpoint.Store
	id      string
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending *snapshot
	wake    chan struct{}
	done    chan struct{}
}

func newCheckpointer(store checkpoint.Store, conversationID string, logger *slog.Logger) *checkpointer {
	c := &checkpointer{
		store:   store,
		id:      conversationID,
		logger:  logger,
		timeout: sideEffectTimeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// submit queues s, replacing any snapshot that has not been written yet.
func (c *checkpointer) submit(s snapshot) {
	c.mu.Lock()
	c.pending = &s
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// stop waits for queued writes to finish. No submit may follow.
func (c *checkpointer) stop() {
	close(c.wake)
	<-c.done
}

// save writes s synchronously, after everything queued before it.
func (c *checkpointer) save(s snapshot) {
	c.stop()
	c.write(s)
}

func (c *checkpointer) run() {
	defer close(c.done)
	for range c.wake {
		c.mu.Lock()
		s := c.pending
		c.pending = nil
		c.mu.Unlock()
		if s != nil {
			c.write(*s)
		}
	}
}

func (c *checkpointer) write(s snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.store.Save(ctx, c.id, s.chunks, s.meta, s.thinking); err != nil {
		c.logger.Warn("checkpoint write failed", slogx.ConversationID(c.id), slog.Int("chunks", len(s.chunks)), slogx.Error(err))
	}
}
