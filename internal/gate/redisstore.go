package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"mealplanner/internal/domain"
)

// createGateScript inserts a pending gate unless the hash already exists.
// KEYS[1] = gate hash, KEYS[2] = run index set
// ARGV[1] = gate key, ARGV[2] = created_at, ARGV[3] = deadline,
// ARGV[4] = deadline unix millis, ARGV[5] = ttl seconds
var createGateScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "status", "pending", "created_at", ARGV[2], "deadline", ARGV[3], "deadline_ms", ARGV[4])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[5]))
redis.call("EXPIRE", KEYS[2], tonumber(ARGV[5]))
return 1
`)

// resolveGateScript moves a pending, unexpired gate to resolved.
// KEYS[1] = gate hash
// ARGV[1] = decision json, ARGV[2] = channel, ARGV[3] = resolved_at, ARGV[4] = now unix millis
var resolveGateScript = redis.NewScript(`
local state = redis.call("HMGET", KEYS[1], "status", "deadline_ms")
if state[1] ~= "pending" then
    return 0
end
if tonumber(state[2]) <= tonumber(ARGV[4]) then
    return 0
end
redis.call("HSET", KEYS[1], "status", "resolved", "decision", ARGV[1], "channel", ARGV[2], "resolved_at", ARGV[3])
return 1
`)

// expireGateScript moves a pending gate to expired.
// KEYS[1] = gate hash, ARGV[1] = resolved_at
var expireGateScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= "pending" then
    return 0
end
redis.call("HSET", KEYS[1], "status", "expired", "resolved_at", ARGV[1])
return 1
`)

// RedisStore keeps gates in Redis hashes so that several planner and webhook
// processes can share them without a common filesystem.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	// Retention is how long a gate outlives its deadline before Redis drops it.
	Retention time.Duration
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mealplanner"
	}
	return &RedisStore{client: client, prefix: prefix, Retention: 7 * 24 * time.Hour}
}

func (s *RedisStore) gateKey(runID, key string) string {
	return fmt.Sprintf("%s:gate:%s:%s", s.prefix, runID, key)
}

func (s *RedisStore) indexKey(runID string) string {
	return fmt.Sprintf("%s:gates:%s", s.prefix, runID)
}

func (s *RedisStore) Create(ctx context.Context, h domain.GateHandle) (domain.Gate, bool, error) {
	ttl := time.Until(h.Deadline) + s.Retention
	if ttl < time.Minute {
		ttl = time.Minute
	}
	res, err := createGateScript.Run(ctx, s.client,
		[]string{s.gateKey(h.RunID, h.Key), s.indexKey(h.RunID)},
		h.Key, formatTime(h.CreatedAt), formatTime(h.Deadline), h.Deadline.UnixMilli(), int64(ttl.Seconds()),
	).Int64()
	if err != nil {
		return domain.Gate{}, false, fmt.Errorf("redis create gate: %w", err)
	}
	g, err := s.Get(ctx, h.RunID, h.Key)
	if err != nil {
		return domain.Gate{}, false, err
	}
	return g, res == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, runID, key string) (domain.Gate, error) {
	fields, err := s.client.HGetAll(ctx, s.gateKey(runID, key)).Result()
	if err != nil {
		return domain.Gate{}, fmt.Errorf("redis get gate: %w", err)
	}
	if len(fields) == 0 {
		return domain.Gate{}, ErrNotFound
	}
	return gateFromHash(runID, key, fields)
}

func (s *RedisStore) List(ctx context.Context, runID string) ([]domain.Gate, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list gates: %w", err)
	}
	res := make([]domain.Gate, 0, len(keys))
	for _, k := range keys {
		g, err := s.Get(ctx, runID, k)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].Key < res[j].Key
	})
	return res, nil
}

func (s *RedisStore) CompareAndResolve(ctx context.Context, runID, key string, d domain.Decision, channel string, at time.Time) (bool, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshal decision: %w", err)
	}
	res, err := resolveGateScript.Run(ctx, s.client, []string{s.gateKey(runID, key)},
		string(data), channel, formatTime(at), at.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis resolve gate: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, runID, key string, at time.Time) (bool, error) {
	res, err := expireGateScript.Run(ctx, s.client, []string{s.gateKey(runID, key)}, formatTime(at)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis expire gate: %w", err)
	}
	return res == 1, nil
}

func gateFromHash(runID, key string, fields map[string]string) (domain.Gate, error) {
	g := domain.Gate{
		GateHandle: domain.GateHandle{RunID: runID, Key: key},
		Status:     domain.GateStatus(fields["status"]),
		Channel:    fields["channel"],
	}
	var err error
	if g.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return g, fmt.Errorf("gate created_at: %w", err)
	}
	if g.Deadline, err = parseTime(fields["deadline"]); err != nil {
		return g, fmt.Errorf("gate deadline: %w", err)
	}
	if raw := fields["decision"]; raw != "" {
		var d domain.Decision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return g, fmt.Errorf("gate decision: %w", err)
		}
		g.Decision = &d
	}
	if raw := fields["resolved_at"]; raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return g, fmt.Errorf("gate resolved_at: %w", err)
		}
		g.ResolvedAt = &t
	}
	return g, nil
}
