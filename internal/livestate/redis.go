package livestate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"web-eq/internal/status"
	"web-eq/models"
	"web-eq/utils"
)

// KEYS: registered, members, user hash
// ARGV: user id, token, total seconds, created_at, ttl seconds
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'token_number', ARGV[2], 'total_time', ARGV[3], 'status', 'registered', 'created_at', ARGV[4])
local ttl = tonumber(ARGV[5])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
	redis.call('EXPIRE', KEYS[2], ttl)
	redis.call('EXPIRE', KEYS[3], ttl)
end
return 1
`)

// KEYS: counter
// ARGV: floor, ttl seconds
var nextTokenScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
local floor = tonumber(ARGV[1])
if v <= floor then
	v = floor + 1
	redis.call('SET', KEYS[1], v)
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
return v
`)

// KEYS: counter
// ARGV: value, ttl seconds
var raiseTokenScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current < tonumber(ARGV[1]) then
	redis.call('SET', KEYS[1], ARGV[1])
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[1], ttl)
end
return 1
`)

// KEYS: registered, in_progress, members, user hash
// ARGV: user id, ttl seconds
var startServiceScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 0 then
	return 0
end
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[4], 'status', 'in_progress')
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('EXPIRE', KEYS[2], ttl)
end
return 1
`)

// KEYS: registered, in_progress, members, user hash
// ARGV: user id, final status
var finishScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('LREM', KEYS[2], 0, ARGV[1])
local removed = redis.call('SREM', KEYS[3], ARGV[1])
if redis.call('EXISTS', KEYS[4]) == 1 then
	redis.call('HSET', KEYS[4], 'status', ARGV[2])
end
return removed
`)

type Redis struct {
	client         *redis.Client
	ttl            time.Duration
	perUserMinutes int
	clock          clock.PassiveClock
	logger         *slog.Logger
}

func NewRedis(client *redis.Client, opts Options) *Redis {
	opts.defaults()
	return &Redis{
		client:         client,
		ttl:            opts.TTL,
		perUserMinutes: opts.DefaultPerUserMinutes,
		clock:          opts.Clock,
		logger:         opts.Logger,
	}
}

func (s *Redis) ttlSeconds() int64 {
	return int64(s.ttl / time.Second)
}

func (s *Redis) QueueLength(ctx context.Context, queueID, date string) (int, error) {
	n, err := s.client.LLen(ctx, registeredKey(queueID, date)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

func (s *Redis) InProgressCount(ctx context.Context, queueID, date string) (int, error) {
	n, err := s.client.LLen(ctx, inProgressKey(queueID, date)).Result()
	if err != nil {
		return 0, fmt.Errorf("in progress count: %w", err)
	}
	return int(n), nil
}

func (s *Redis) PositionOf(ctx context.Context, queueID, date, userID string) (int, error) {
	members, err := s.client.LRange(ctx, registeredKey(queueID, date), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("position of: %w", err)
	}
	for i, member := range members {
		if member == userID {
			return i + 1, nil
		}
	}
	return 0, status.ErrNotInQueue
}

func (s *Redis) Enqueue(ctx context.Context, queueID, date string, member Member) (EnqueueOutcome, error) {
	createdAt := member.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	keys := []string{
		registeredKey(queueID, date),
		membersKey(queueID, date),
		userKey(queueID, date, member.UserID),
	}
	added, err := enqueueScript.Run(ctx, s.client, keys,
		member.UserID, member.Token.String(), member.TotalSeconds,
		createdAt.UTC().Format(time.RFC3339), s.ttlSeconds(),
	).Int()
	if err != nil {
		return EnqueueSkipped, fmt.Errorf("enqueue: %w", err)
	}
	if added == 0 {
		return EnqueueAlreadyPresent, nil
	}
	return EnqueueAdded, nil
}

func (s *Redis) EstimateWaitForRank(ctx context.Context, queueID, date string, rank int) (int, error) {
	if rank <= 1 {
		return 0, nil
	}
	ahead, err := s.client.LRange(ctx, registeredKey(queueID, date), 0, int64(rank-2)).Result()
	if err != nil {
		return 0, fmt.Errorf("estimate wait: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ahead))
	for i, userID := range ahead {
		cmds[i] = pipe.HGet(ctx, userKey(queueID, date, userID), "total_time")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("Live queue metadata unreadable, using per-user default",
			"error", err, "queue_id", queueID, "date", date)
		return rank * s.perUserMinutes, nil
	}

	perUserSeconds := s.perUserMinutes * 60
	total := 0
	for _, cmd := range cmds {
		seconds, err := cmd.Int()
		if err != nil || seconds < 0 {
			seconds = perUserSeconds
		}
		total += seconds
	}
	return total / 60, nil
}

func (s *Redis) NextToken(ctx context.Context, queueID, date string, floor models.Token) (models.Token, error) {
	v, err := nextTokenScript.Run(ctx, s.client, []string{tokenKey(queueID, date)}, int64(floor), s.ttlSeconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("next token: %w", err)
	}
	return models.Token(v), nil
}

func (s *Redis) CurrentToken(ctx context.Context, queueID, date string) (string, error) {
	userID, err := s.client.LIndex(ctx, inProgressKey(queueID, date), 0).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current token: %w", err)
	}
	token, err := s.client.HGet(ctx, userKey(queueID, date, userID), "token_number").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current token: %w", err)
	}
	return token, nil
}

func (s *Redis) StartService(ctx context.Context, queueID, date, userID string) error {
	keys := []string{
		registeredKey(queueID, date),
		inProgressKey(queueID, date),
		membersKey(queueID, date),
		userKey(queueID, date, userID),
	}
	moved, err := startServiceScript.Run(ctx, s.client, keys, userID, s.ttlSeconds()).Int()
	if err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	if moved == 0 {
		return status.ErrNotInQueue
	}
	return nil
}

func (s *Redis) Finish(ctx context.Context, queueID, date, userID string, final models.EntryStatus) error {
	keys := []string{
		registeredKey(queueID, date),
		inProgressKey(queueID, date),
		membersKey(queueID, date),
		userKey(queueID, date, userID),
	}
	if err := finishScript.Run(ctx, s.client, keys, userID, string(final)).Err(); err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	return nil
}

const rebuildAttempts = 5

// Rebuild replaces the lists of a queue and date with snapshot. Live members
// missing from snapshot whose token is above snapshot.LastToken booked after
// the snapshot was read, so they are kept behind it in their live order.
func (s *Redis) Rebuild(ctx context.Context, queueID, date string, snapshot Snapshot) error {
	regKey := registeredKey(queueID, date)
	progKey := inProgressKey(queueID, date)
	memKey := membersKey(queueID, date)

	rebuild := func(tx *redis.Tx) error {
		late, err := s.lateArrivals(ctx, tx, queueID, date, snapshot)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, regKey, progKey, memKey)
			for _, group := range []struct {
				key     string
				status  models.EntryStatus
				members []Member
				late    []string
			}{
				{regKey, models.EntryRegistered, snapshot.Registered, late[regKey]},
				{progKey, models.EntryInProgress, snapshot.InProgress, late[progKey]},
			} {
				for _, m := range group.members {
					createdAt := m.CreatedAt
					if createdAt.IsZero() {
						createdAt = s.clock.Now()
					}
					pipe.RPush(ctx, group.key, m.UserID)
					pipe.SAdd(ctx, memKey, m.UserID)
					pipe.HSet(ctx, userKey(queueID, date, m.UserID),
						"token_number", m.Token.String(),
						"total_time", strconv.Itoa(m.TotalSeconds),
						"status", string(group.status),
						"created_at", createdAt.UTC().Format(time.RFC3339),
					)
					if s.ttl > 0 {
						pipe.Expire(ctx, userKey(queueID, date, m.UserID), s.ttl)
					}
				}
				for _, userID := range group.late {
					pipe.RPush(ctx, group.key, userID)
					pipe.SAdd(ctx, memKey, userID)
				}
			}
			if s.ttl > 0 {
				pipe.Expire(ctx, regKey, s.ttl)
				pipe.Expire(ctx, progKey, s.ttl)
				pipe.Expire(ctx, memKey, s.ttl)
			}
			return nil
		})
		return err
	}

	err := retry.Do(
		func() error {
			return s.client.Watch(ctx, rebuild, regKey, progKey, memKey)
		},
		retry.Attempts(rebuildAttempts),
		retry.Delay(10*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, redis.TxFailedErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	err = raiseTokenScript.Run(ctx, s.client, []string{tokenKey(queueID, date)}, int64(snapshot.LastToken), s.ttlSeconds()).Err()
	if err != nil {
		return fmt.Errorf("rebuild token: %w", err)
	}
	return nil
}

// lateArrivals returns, per list key, the live members that are absent from
// snapshot and hold a token above snapshot.LastToken.
func (s *Redis) lateArrivals(ctx context.Context, tx *redis.Tx, queueID, date string, snapshot Snapshot) (map[string][]string, error) {
	known := make(map[string]struct{}, len(snapshot.Registered)+len(snapshot.InProgress))
	for _, m := range snapshot.Registered {
		known[m.UserID] = struct{}{}
	}
	for _, m := range snapshot.InProgress {
		known[m.UserID] = struct{}{}
	}

	late := make(map[string][]string)
	for _, key := range []string{registeredKey(queueID, date), inProgressKey(queueID, date)} {
		userIDs, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, userID := range userIDs {
			if _, ok := known[userID]; ok {
				continue
			}
			raw, err := tx.HGet(ctx, userKey(queueID, date, userID), "token_number").Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, err
			}
			var token models.Token
			if err := token.UnmarshalText([]byte(raw)); err != nil {
				continue
			}
			if token > snapshot.LastToken {
				late[key] = append(late[key], userID)
			}
		}
	}
	return late, nil
}

func (s *Redis) Mode() string {
	return ModeRedis
}

func (s *Redis) Ping(ctx context.Context) error {
	return utils.RedisHealthCheck(ctx, s.client)
}

func (s *Redis) Close() error {
	return s.client.Close()
}
