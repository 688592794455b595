package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/casualjim/slipstream/internal/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointer(t *testing.T) {
	snap := func(n int) snapshot {
		chunks := make([]string, n)
		for i := range chunks {
			chunks[i] = "x"
		}
		return snapshot{chunks: chunks, meta: checkpoint.Metadata{TotalChunks: n}}
	}

	t.Run("coalesces writes while a save is in flight", func(t *testing.T) {
		rec := &recordingStore{Store: checkpoint.NewMemory(time.Hour), delays: 20 * time.Millisecond}
		c := newCheckpointer(rec, "c1", slog.Default())
		for i := 1; i <= 5; i++ {
			c.submit(snap(i * 10))
		}
		c.stop()

		saves := rec.recorded()
		require.NotEmpty(t, saves)
		assert.LessOrEqual(t, len(saves), 5)
		assert.Len(t, saves[len(saves)-1].chunks, 50, "the newest snapshot is always written")
		for i := 1; i < len(saves); i++ {
			assert.Greater(t, len(saves[i].chunks), len(saves[i-1].chunks))
		}
	})

	t.Run("save runs after queued writes", func(t *testing.T) {
		rec := &recordingStore{Store: checkpoint.NewMemory(time.Hour), delays: 5 * time.Millisecond}
		c := newCheckpointer(rec, "c2", slog.Default())
		c.submit(snap(10))
		final := snap(13)
		final.meta.Completed = true
		c.save(final)

		cp, err := rec.Load(context.Background(), "c2")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Len(t, cp.Chunks, 13)
		assert.True(t, cp.Metadata.Completed)
	})
}
