package transcript

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/podbot/internal/podbot/roles"
)

// Stream field names of a transcript entry.
const (
	fieldRole      = "role"
	fieldContent   = "content"
	fieldTimestamp = "timestamp"
)

func chatKey(namespace, user, session string) string {
	return fmt.Sprintf("%s:chat:%s:%s", namespace, user, session)
}

func sessionsKey(namespace, user string) string {
	return fmt.Sprintf("%s:sessions:%s", namespace, user)
}

// RedisStore keeps each session transcript in its own stream.
type RedisStore struct {
	rdb  redis.Cmdable
	opts options
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a Store backed by rdb.
func NewRedisStore(rdb redis.Cmdable, opts ...Option) *RedisStore {
	return &RedisStore{rdb: rdb, opts: buildOptions(opts)}
}

// Append implements Store. The stream entry and the registry touch are sent
// in one MULTI/EXEC block.
func (s *RedisStore) Append(ctx context.Context, namespace, user, session string, role roles.TranscriptRole, content string) (Turn, error) {
	if _, err := roles.ParseTranscriptRole(string(role)); err != nil {
		return Turn{}, err
	}
	ts := millis(s.opts.now())

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: chatKey(namespace, user, session),
			Values: map[string]interface{}{
				fieldRole:      string(role),
				fieldContent:   content,
				fieldTimestamp: strconv.FormatInt(ts, 10),
			},
		})
		// XX: only sessions already in the registry get their score bumped.
		pipe.ZAddArgs(ctx, sessionsKey(namespace, user), redis.ZAddArgs{
			XX:      true,
			Members: []redis.Z{{Score: float64(ts), Member: session}},
		})
		return nil
	})
	if err != nil {
		return Turn{}, storeErr("append", err)
	}
	return Turn{Role: role, Content: content, Timestamp: fromMillis(ts)}, nil
}

// Read implements Store.
func (s *RedisStore) Read(ctx context.Context, namespace, user, session string) ([]Turn, error) {
	msgs, err := s.rdb.XRange(ctx, chatKey(namespace, user, session), "-", "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("read", err)
	}

	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values[fieldRole].(string)
		role, err := roles.ParseTranscriptRole(raw)
		if err != nil {
			return nil, storeErr("read", fmt.Errorf("entry %s: %w", m.ID, err))
		}
		content, _ := m.Values[fieldContent].(string)
		tsRaw, _ := m.Values[fieldTimestamp].(string)
		ts, err := strconv.ParseInt(tsRaw, 10, 64)
		if err != nil {
			return nil, storeErr("read", fmt.Errorf("entry %s: bad timestamp %q", m.ID, tsRaw))
		}
		turns = append(turns, Turn{Role: role, Content: content, Timestamp: fromMillis(ts)})
	}
	return turns, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, namespace, user, session string) error {
	return storeErr("clear", s.rdb.Del(ctx, chatKey(namespace, user, session)).Err())
}

// RedisRegistry keeps a user's sessions in a sorted set scored by the unix
// millisecond of last activity.
type RedisRegistry struct {
	rdb  redis.Cmdable
	opts options
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry returns a Registry backed by rdb.
func NewRedisRegistry(rdb redis.Cmdable, opts ...Option) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, opts: buildOptions(opts)}
}

// Create implements Registry.
func (r *RedisRegistry) Create(ctx context.Context, namespace, user string) (Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, storeErr("create session", fmt.Errorf("generate id: %w", err))
	}
	ts := millis(r.opts.now())
	if err := r.rdb.ZAdd(ctx, sessionsKey(namespace, user), redis.Z{
		Score:  float64(ts),
		Member: id.String(),
	}).Err(); err != nil {
		return Session{}, storeErr("create session", err)
	}
	return Session{ID: id.String(), LastActive: fromMillis(ts)}, nil
}

// List implements Registry. ZREVRANGE already orders equal scores by
// descending member.
func (r *RedisRegistry) List(ctx context.Context, namespace, user string) ([]Session, error) {
	zs, err := r.rdb.ZRevRangeWithScores(ctx, sessionsKey(namespace, user), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("list sessions", err)
	}
	sessions := make([]Session, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			id = fmt.Sprint(z.Member)
		}
		sessions = append(sessions, Session{ID: id, LastActive: fromMillis(int64(z.Score))})
	}
	return sessions, nil
}

// Delete implements Registry.
func (r *RedisRegistry) Delete(ctx context.Context, namespace, user, session string) error {
	return storeErr("delete session", r.rdb.ZRem(ctx, sessionsKey(namespace, user), session).Err())
}
