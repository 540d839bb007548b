package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spy-chat-core/server/internal/agent/model"
	errx "github.com/spy-chat-core/server/internal/core/error"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// maxWatchAttempts bounds optimistic-transaction retries when another
// process touches the same conversation key between WATCH and EXEC.
const maxWatchAttempts = 3

// RedisStore keeps each conversation as a Redis list of JSON messages.
type RedisStore struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	locks *KeyedMutex
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, locks: NewKeyedMutex()}
}

func (r *RedisStore) conversationKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:messages", conversationID)
}

func (r *RedisStore) Load(ctx context.Context, conversationID string) ([]model.Message, error) {
	key := r.conversationKey(conversationID)

	rows, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []model.Message{}, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load conversation history from redis")
		return nil, errx.WrapRedis(err)
	}
	return decodeRows(conversationID, rows)
}

// Append validates the batch against the stored history and pushes it in a
// single MULTI/EXEC under WATCH, so the batch lands completely or not at all.
func (r *RedisStore) Append(ctx context.Context, conversationID string, batch []model.Message) error {
	if len(batch) == 0 {
		return errx.ErrEmptyBatch
	}

	payloads := make([]any, 0, len(batch))
	for _, m := range batch {
		b, err := json.Marshal(m)
		if err != nil {
			logx.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to marshal message")
			return fmt.Errorf("marshal message: %w", err)
		}
		payloads = append(payloads, string(b))
	}

	unlock, err := r.locks.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	key := r.conversationKey(conversationID)
	txf := func(tx *redis.Tx) error {
		rows, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return errx.WrapRedis(err)
		}
		existing, err := decodeRows(conversationID, rows)
		if err != nil {
			return err
		}
		if err := ValidateBatch(existing, batch); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, payloads...)
			// extend TTL on touch
			if r.ttl > 0 {
				pipe.Expire(ctx, key, r.ttl)
			}
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxWatchAttempts; attempt++ {
		err = r.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		logx.Warn().Str("key", key).Int("attempt", attempt).Msg("conversation key changed during append; retrying")
	}
	if err != nil {
		var appErr *errx.AppError
		if errors.As(err, &appErr) || errx.IsContractViolation(err) {
			return err
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to append messages to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

// Window reads only the preamble slot and the tail of the list.
func (r *RedisStore) Window(ctx context.Context, conversationID string, maxMessages int) ([]model.Message, error) {
	if maxMessages < 0 {
		maxMessages = 0
	}
	key := r.conversationKey(conversationID)

	var (
		lenCmd   *redis.IntCmd
		firstCmd *redis.StringCmd
		tailCmd  *redis.StringSliceCmd
	)
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		lenCmd = pipe.LLen(ctx, key)
		firstCmd = pipe.LIndex(ctx, key, 0)
		if maxMessages > 0 {
			tailCmd = pipe.LRange(ctx, key, int64(-maxMessages), -1)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		logx.Error().Err(err).Str("key", key).Msg("failed to read conversation window from redis")
		return nil, errx.WrapRedis(err)
	}

	total := int(lenCmd.Val())
	if total == 0 {
		return []model.Message{}, nil
	}

	tail := []model.Message{}
	if tailCmd != nil {
		if tail, err = decodeRows(conversationID, tailCmd.Val()); err != nil {
			return nil, err
		}
	}
	if total <= maxMessages {
		return tail, nil
	}

	first, err := decodeRows(conversationID, []string{firstCmd.Val()})
	if err != nil {
		return nil, err
	}
	if !HasPreamble(first) {
		return tail, nil
	}
	return append(first, tail...), nil
}

// Clear removes a conversation. Retention belongs to operators, not the turn loop.
func (r *RedisStore) Clear(ctx context.Context, conversationID string) error {
	key := r.conversationKey(conversationID)
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete conversation history from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func decodeRows(conversationID string, rows []string) ([]model.Message, error) {
	msgs := make([]model.Message, 0, len(rows))
	for i, s := range rows {
		var m model.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			logx.Error().Err(err).Str("conversation_id", conversationID).Int("index", i).Msg("failed to unmarshal message")
			return nil, fmt.Errorf("unmarshal message at index %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

var _ model.ConversationStore = (*RedisStore)(nil)
