package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fogfish/opts"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	fieldChunks         = "chunks"
	fieldMetadata       = "metadata"
	fieldThinkingChunks = "thinkingChunks"
)

type redisStore struct {
	rdb       redis.Cmdable
	ttl       time.Duration
	keyPrefix string
}

var (
	// WithTTL sets the expiry (re)applied on every save.
	WithTTL = opts.ForName[redisStore, time.Duration]("ttl")
	// WithKeyPrefix replaces the "stream:state:" key prefix.
	WithKeyPrefix = opts.ForName[redisStore, string]("keyPrefix")
)

// NewRedis returns a Store keeping one hash per conversation.
func NewRedis(rdb redis.Cmdable, options ...opts.Option[redisStore]) (Store, error) {
	s := &redisStore{rdb: rdb, ttl: DefaultTTL, keyPrefix: DefaultKeyPrefix}
	if err := opts.Apply(s, options); err != nil {
		return nil, err
	}
	if s.ttl <= 0 {
		return nil, fmt.Errorf("checkpoint: ttl must be positive, got %s", s.ttl)
	}
	return s, nil
}

func (s *redisStore) key(id string) string { return s.keyPrefix + id }

func (s *redisStore) Save(ctx context.Context, id string, chunks []string, meta Metadata, thinking []string) error {
	if chunks == nil {
		chunks = []string{}
	}
	chunksJSON, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	values := []any{fieldChunks, chunksJSON, fieldMetadata, metaJSON}
	if len(thinking) > 0 {
		thinkingJSON, err := json.Marshal(thinking)
		if err != nil {
			return fmt.Errorf("marshal thinking chunks: %w", err)
		}
		values = append(values, fieldThinkingChunks, thinkingJSON)
	}

	key := s.key(id)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *redisStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	vals, err := s.rdb.HMGet(ctx, s.key(id), fieldChunks, fieldMetadata, fieldThinkingChunks).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	chunksRaw, ok1 := vals[0].(string)
	metaRaw, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, nil
	}

	cp := &Checkpoint{ConversationID: id}
	if err := json.Unmarshal([]byte(chunksRaw), &cp.Chunks); err != nil {
		return nil, fmt.Errorf("%w: chunks: %w", ErrCorrupt, err)
	}
	if err := json.Unmarshal([]byte(metaRaw), &cp.Metadata); err != nil {
		return nil, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
	}
	if thinkingRaw, ok := vals[2].(string); ok {
		if err := json.Unmarshal([]byte(thinkingRaw), &cp.ThinkingChunks); err != nil {
			return nil, fmt.Errorf("%w: thinking chunks: %w", ErrCorrupt, err)
		}
	}
	return cp, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}
