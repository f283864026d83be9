package blocks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	redisKeyPrefix  = "datapack:blocks:"
	redisIndexKey   = "datapack:blocks:index"
	redisLockPrefix = "datapack:blocklock:"

	// redisLockTTL bounds how long a crashed holder keeps an id locked. It
	// must exceed the fetch timeout.
	redisLockTTL  = 2 * time.Minute
	redisLockPoll = 25 * time.Millisecond
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisStore keeps one JSON record per id plus a set of known ids. It is a
// Locker, so registries in different processes sharing one Redis serialize
// Guard per id.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Lock implements Locker with SET NX and an expiring owner token.
func (s *RedisStore) Lock(ctx context.Context, id string) (func(), error) {
	key := redisLockPrefix + id
	token := uuid.NewString()
	for {
		ok, err := s.client.SetNX(ctx, key, token, redisLockTTL).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "blocks: redis lock %s", id)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "blocks: redis lock %s", id)
		case <-time.After(redisLockPoll):
		}
	}
	return func() {
		// The caller's ctx may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, s.client, []string{key}, token).Err(); err != nil {
			zap.L().Warn("blocks: redis unlock failed", zap.String("id", id), zap.Error(err))
		}
	}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "blocks: redis get %s", id)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrapf(err, "blocks: redis decode %s", id)
	}
	return &rec, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrapf(err, "blocks: redis encode %s", rec.ID)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisKeyPrefix+rec.ID, data, 0)
		p.SAdd(ctx, redisIndexKey, rec.ID)
		return nil
	})
	return eris.Wrapf(err, "blocks: redis put %s", rec.ID)
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisKeyPrefix+id)
		p.SRem(ctx, redisIndexKey, id)
		return nil
	})
	return eris.Wrapf(err, "blocks: redis delete %s", id)
}

// List implements Store. Ids in the index without a record are skipped.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "blocks: redis list")
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// DeleteExpiredCleared implements Store.
func (s *RedisStore) DeleteExpiredCleared(ctx context.Context, now time.Time) (int, error) {
	recs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if r.ConsecutiveCount != 0 || r.Active(now) {
			continue
		}
		if err := s.Delete(ctx, r.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
