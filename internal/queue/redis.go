package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"clinical-triage/internal/triage"
)

// Pending entries live in one sorted set. The score packs (100-priority) above the
// enqueue time in milliseconds so ZRANK is the queue position and each tier
// occupies its own score band.
const bandWidth = 1e13

// RedisStore shares the queue between scheduler and API instances.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "triage:queue:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) entryKey(id uuid.UUID) string { return s.prefix + "entry:" + id.String() }
func (s *RedisStore) pendingKey() string           { return s.prefix + "pending" }
func (s *RedisStore) supervisorKey(sup string) string {
	return s.prefix + "supervisor:" + sup
}

func score(e Entry) float64 {
	return float64(100-e.Priority)*bandWidth + float64(e.EnqueuedAt.UnixMilli())
}

func (s *RedisStore) Add(ctx context.Context, e Entry) (Entry, error) {
	key := s.entryKey(e.CaseID)
	stored := e
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readEntry(ctx, tx, key)
		if err == nil && cur.Status == StatusPending {
			stored = cur
			return nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		e.Status = StatusPending
		stored = e
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, entryFields(e))
			pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: score(e), Member: e.CaseID.String()})
			if e.Supervisor != "" {
				pipe.SAdd(ctx, s.supervisorKey(e.Supervisor), e.CaseID.String())
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return Entry{}, ErrConflict
	}
	if err != nil {
		return Entry{}, err
	}
	return stored, nil
}

func (s *RedisStore) Get(ctx context.Context, caseID uuid.UUID) (Entry, error) {
	return readEntry(ctx, s.rdb, s.entryKey(caseID))
}

func (s *RedisStore) Rank(ctx context.Context, caseID uuid.UUID) (int, error) {
	rank, err := s.rdb.ZRank(ctx, s.pendingKey(), caseID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return int(rank) + 1, nil
}

func (s *RedisStore) Pending(ctx context.Context) ([]Entry, error) {
	ids, err := s.rdb.ZRange(ctx, s.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) PendingByTier(ctx context.Context, tier triage.Tier, enqueuedBefore time.Time) ([]Entry, error) {
	base := float64(100-Priority(tier)) * bandWidth
	ids, err := s.rdb.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: strconv.FormatFloat(base, 'f', 0, 64),
		Max: "(" + strconv.FormatFloat(base+float64(enqueuedBefore.UnixMilli()), 'f', 0, 64),
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *RedisStore) AssignedTo(ctx context.Context, supervisor string) ([]Entry, error) {
	ids, err := s.rdb.SMembers(ctx, s.supervisorKey(supervisor)).Result()
	if err != nil {
		return nil, err
	}
	entries, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Supervisor == supervisor {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *RedisStore) Assign(ctx context.Context, caseID uuid.UUID, supervisor, expected string) error {
	key := s.entryKey(caseID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readEntry(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			return ErrNotFound
		}
		if cur.Supervisor != expected {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "supervisor", supervisor)
			if cur.Supervisor != "" {
				pipe.SRem(ctx, s.supervisorKey(cur.Supervisor), caseID.String())
			}
			if supervisor != "" {
				pipe.SAdd(ctx, s.supervisorKey(supervisor), caseID.String())
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) Complete(ctx context.Context, caseID uuid.UUID) error {
	key := s.entryKey(caseID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readEntry(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status == StatusCompleted {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(StatusCompleted))
			pipe.ZRem(ctx, s.pendingKey(), caseID.String())
			if cur.Supervisor != "" {
				pipe.SRem(ctx, s.supervisorKey(cur.Supervisor), caseID.String())
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.prefix+"entry:"+id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(ids))
	for _, cmd := range cmds {
		e, err := parseEntry(cmd.Val())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func entryFields(e Entry) map[string]interface{} {
	return map[string]interface{}{
		"case_id":     e.CaseID.String(),
		"urgency":     string(e.Urgency),
		"priority":    e.Priority,
		"supervisor":  e.Supervisor,
		"enqueued_at": e.EnqueuedAt.UnixNano(),
		"status":      string(e.Status),
	}
}

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readEntry(ctx context.Context, c hashReader, key string) (Entry, error) {
	fields, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return Entry{}, err
	}
	return parseEntry(fields)
}

func parseEntry(fields map[string]string) (Entry, error) {
	if len(fields) == 0 {
		return Entry{}, ErrNotFound
	}
	id, err := uuid.Parse(fields["case_id"])
	if err != nil {
		return Entry{}, fmt.Errorf("queue entry: bad case_id: %w", err)
	}
	priority, err := strconv.Atoi(fields["priority"])
	if err != nil {
		return Entry{}, fmt.Errorf("queue entry %s: bad priority: %w", id, err)
	}
	nanos, err := strconv.ParseInt(fields["enqueued_at"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("queue entry %s: bad enqueued_at: %w", id, err)
	}
	return Entry{
		CaseID:     id,
		Urgency:    triage.Tier(fields["urgency"]),
		Priority:   priority,
		Supervisor: fields["supervisor"],
		EnqueuedAt: time.Unix(0, nanos).UTC(),
		Status:     Status(fields["status"]),
	}, nil
}
