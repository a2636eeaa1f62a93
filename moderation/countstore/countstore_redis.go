package countstore

import (
	"context"
	"errors"
	"time"

	"github.com/convoease/convoease/moderation/content"

	"github.com/redis/go-redis/v9"
)

const (
	redisCountPrefix    = "convoease/count/"
	redisDistinctPrefix = "convoease/distinct/"
)

// Plain counters are INCR keys, distinct senders are HyperLogLogs. Hour and day buckets get an expiry per Period.Retention.
type RedisCountStore struct {
	Client *redis.Client
}

var _ CountStore = (*RedisCountStore)(nil)

func NewRedisCountStore(rdb *redis.Client) *RedisCountStore {
	return &RedisCountStore{Client: rdb}
}

// All buckets for an outcome are written in a single round-trip.
func (s *RedisCountStore) Record(ctx context.Context, o Outcome) error {
	now := time.Now()
	pipe := s.Client.Pipeline()
	for _, p := range AllPeriods {
		ttl := p.Retention()
		incr := func(key string) {
			pipe.Incr(ctx, redisCountPrefix+key)
			if ttl > 0 {
				pipe.Expire(ctx, redisCountPrefix+key, ttl)
			}
		}

		incr(kindKey(o.Kind, fieldSubmissions, p, now))
		if o.Degraded {
			incr(kindKey(o.Kind, fieldDegraded, p, now))
		}
		if !o.Flagged {
			continue
		}
		incr(kindKey(o.Kind, fieldFlagged, p, now))
		incr(senderKey(o.Sender, p, now))

		key := redisDistinctPrefix + kindKey(o.Kind, fieldFlaggedSenders, p, now)
		pipe.PFAdd(ctx, key, o.Sender)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisCountStore) Tally(ctx context.Context, kind content.Kind, period Period) (Tally, error) {
	now := time.Now()
	pipe := s.Client.Pipeline()
	submissions := pipe.Get(ctx, redisCountPrefix+kindKey(kind, fieldSubmissions, period, now))
	degraded := pipe.Get(ctx, redisCountPrefix+kindKey(kind, fieldDegraded, period, now))
	flagged := pipe.Get(ctx, redisCountPrefix+kindKey(kind, fieldFlagged, period, now))
	senders := pipe.PFCount(ctx, redisDistinctPrefix+kindKey(kind, fieldFlaggedSenders, period, now))
	// missing keys surface as redis.Nil on the individual commands
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Tally{}, err
	}

	var t Tally
	var err error
	if t.Submissions, err = intOrZero(submissions); err != nil {
		return Tally{}, err
	}
	if t.Degraded, err = intOrZero(degraded); err != nil {
		return Tally{}, err
	}
	if t.Flagged, err = intOrZero(flagged); err != nil {
		return Tally{}, err
	}
	n, err := senders.Result()
	if err != nil {
		return Tally{}, err
	}
	t.FlaggedSenders = int(n)
	return t, nil
}

func (s *RedisCountStore) SenderFlagged(ctx context.Context, sender string, period Period) (int, error) {
	return intOrZero(s.Client.Get(ctx, redisCountPrefix+senderKey(sender, period, time.Now())))
}

func intOrZero(cmd *redis.StringCmd) (int, error) {
	n, err := cmd.Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
