package access

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skillvergence/skillvergence-cert-go/internal/metrics"
	"github.com/skillvergence/skillvergence-cert-go/internal/storage"
)

// CodeSet is a shared used-code set whose Add is atomic across processes.
type CodeSet interface {
	// Add inserts code and reports whether it was not present before
	Add(ctx context.Context, code string) (bool, error)
	Contains(ctx context.Context, code string) (bool, error)
}

// Gate redeems codes against a shared CodeSet.
type Gate struct {
	codes   CodeSet
	metrics *metrics.Metrics
}

// NewGate wires a Gate. m may be nil.
func NewGate(codes CodeSet, m *metrics.Metrics) *Gate {
	return &Gate{codes: codes, metrics: m}
}

// Redeem is the shared-set form of the package-level Redeem. Classification happens before the
// atomic insert, so of two concurrent redemptions of one valid code exactly one succeeds.
func (g *Gate) Redeem(ctx context.Context, code string) (RedemptionResult, error) {
	code = Normalize(code)
	result := Classify(code)
	if result == Invalid {
		g.metrics.Redemption(string(Invalid))
		return Invalid, ErrInvalidCode
	}

	added, err := g.codes.Add(ctx, code)
	if err != nil {
		return "", fmt.Errorf("mark code used: %w", err)
	}
	if !added {
		g.metrics.Redemption(string(AlreadyUsed))
		return AlreadyUsed, ErrAlreadyUsed
	}
	g.metrics.Redemption(string(result))
	return result, nil
}

// StoreCodeSet keeps used codes in the engine's Store.
type StoreCodeSet struct {
	store storage.Store
	now   func() time.Time
}

// NewStoreCodeSet wraps store.
func NewStoreCodeSet(store storage.Store) *StoreCodeSet {
	return &StoreCodeSet{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *StoreCodeSet) Add(ctx context.Context, code string) (bool, error) {
	return s.store.MarkCodeUsed(ctx, code, s.now())
}

func (s *StoreCodeSet) Contains(ctx context.Context, code string) (bool, error) {
	return s.store.IsCodeUsed(ctx, code)
}

// RedisCodeSet keeps used codes in one Redis set.
type RedisCodeSet struct {
	rdb *redis.Client
	key string
}

// DefaultRedisKey is the Redis set holding redeemed codes.
const DefaultRedisKey = "skv:access:used-codes"

// NewRedisCodeSet connects to addr and verifies the connection with a ping.
func NewRedisCodeSet(addr, key string) (*RedisCodeSet, error) {
	if key == "" {
		key = DefaultRedisKey
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCodeSet{rdb: rdb, key: key}, nil
}

// Add uses SADD, which reports 1 only for the caller that inserted the member.
func (s *RedisCodeSet) Add(ctx context.Context, code string) (bool, error) {
	n, err := s.rdb.SAdd(ctx, s.key, code).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisCodeSet) Contains(ctx context.Context, code string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.key, code).Result()
}

// Ping checks the Redis connection for readiness probes.
func (s *RedisCodeSet) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisCodeSet) Close() error {
	return s.rdb.Close()
}
