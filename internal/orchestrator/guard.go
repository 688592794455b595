package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/slipstream/pkg/slogx"
	"github.com/casualjim/slipstream/pkg/uuidx"
	"github.com/redis/go-redis/v9"
)

// Guard is the set of users with a generation in flight. Acquire adds the
// user and reports whether it was absent; it must be atomic.
type Guard interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string)
}

type localGuard struct {
	active *haxmap.Map[string, struct{}]
}

// NewLocalGuard returns a Guard for a single server process.
func NewLocalGuard() Guard {
	return &localGuard{active: haxmap.New[string, struct{}]()}
}

func (g *localGuard) Acquire(_ context.Context, userID string) (bool, error) {
	_, loaded := g.active.GetOrSet(userID, struct{}{})
	return !loaded, nil
}

func (g *localGuard) Release(_ context.Context, userID string) {
	g.active.Del(userID)
}

const (
	DefaultGuardTTL    = 10 * time.Minute
	DefaultGuardPrefix = "stream:active:"
)

// releaseScript deletes the guard key only while it still holds our token,
// so a holder whose key expired cannot release someone else's acquisition.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the guard key's TTL while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// hold is one acquisition owned by this process.
type hold struct {
	token string
	stop  context.CancelFunc
	done  chan struct{}
}

type redisGuard struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
	holds  *haxmap.Map[string, *hold]
	logger *slog.Logger
}

// NewRedisGuard returns a Guard shared by every server instance using rdb.
// A held key is refreshed every ttl/3 until Release, so it only expires when
// its holder dies.
func NewRedisGuard(rdb redis.Cmdable, ttl time.Duration) Guard {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	return &redisGuard{
		rdb:    rdb,
		ttl:    ttl,
		prefix: DefaultGuardPrefix,
		holds:  haxmap.New[string, *hold](),
		logger: slog.Default().With(slogx.LoggerName("orchestrator")),
	}
}

func (g *redisGuard) Acquire(ctx context.Context, userID string) (bool, error) {
	token := uuidx.NewString()
	ok, err := g.rdb.SetNX(ctx, g.prefix+userID, token, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire stream guard: %w", err)
	}
	if !ok {
		return false, nil
	}
	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	h := &hold{token: token, stop: stop, done: make(chan struct{})}
	g.holds.Set(userID, h)
	go g.keepAlive(refreshCtx, userID, h)
	return true, nil
}

func (g *redisGuard) keepAlive(ctx context.Context, userID string, h *hold) {
	defer close(h.done)
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, g.rdb, []string{g.prefix + userID}, h.token, g.ttl.Milliseconds()).Int()
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				g.logger.Warn("failed to refresh stream guard", slogx.UserID(userID), slogx.Error(err))
			case n == 0:
				g.logger.Warn("stream guard was lost before release", slogx.UserID(userID))
				return
			}
		}
	}
}

func (g *redisGuard) Release(ctx context.Context, userID string) {
	h, ok := g.holds.GetAndDel(userID)
	if !ok {
		return
	}
	h.stop()
	<-h.done
	if err := releaseScript.Run(ctx, g.rdb, []string{g.prefix + userID}, h.token).Err(); err != nil {
		g.logger.Warn("failed to release stream guard", slogx.UserID(userID), slogx.Error(err))
	}
}
