package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a leased queue on plain Redis structures:
//
//	<name>:pending   list of stored messages (LPUSH / RPOP)
//	<name>:inflight  zset of receipts scored by lease deadline (unix ms)
//	<name>:claims    hash receipt -> stored message
//	<name>:dead      list of dead-lettered messages
type RedisQueue struct {
	client      *redis.Client
	name        string
	maxReceives int
}

type storedMessage struct {
	ID       string `json:"id"`
	Body     []byte `json:"body"`
	Receives int    `json:"receives"`
}

func NewRedisQueue(client *redis.Client, name string, maxReceives int) *RedisQueue {
	if name == "" {
		name = "framehunter:jobs"
	}
	if maxReceives <= 0 {
		maxReceives = 5
	}
	return &RedisQueue{client: client, name: name, maxReceives: maxReceives}
}

func (q *RedisQueue) pendingKey() string  { return q.name + ":pending" }
func (q *RedisQueue) inflightKey() string { return q.name + ":inflight" }
func (q *RedisQueue) claimsKey() string   { return q.name + ":claims" }
func (q *RedisQueue) deadKey() string     { return q.name + ":dead" }

func (q *RedisQueue) Send(ctx context.Context, body []byte) (string, error) {
	if len(body) == 0 {
		return "", ErrEmptyBody
	}
	msg := storedMessage{ID: uuid.NewString(), Body: body}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), raw).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return msg.ID, nil
}

func (q *RedisQueue) Receive(ctx context.Context, max int, wait, lease time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if _, err := q.requeueExpired(ctx, time.Now(), 100); err != nil {
		return nil, err
	}

	raws := make([]string, 0, max)
	first, err := q.popFirst(ctx, wait)
	if err != nil {
		return nil, err
	}
	if first == "" {
		return nil, nil
	}
	raws = append(raws, first)
	for len(raws) < max {
		raw, err := q.client.RPop(ctx, q.pendingKey()).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		raws = append(raws, raw)
	}

	deadline := time.Now().Add(lease).UnixMilli()
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var sm storedMessage
		if err := json.Unmarshal([]byte(raw), &sm); err != nil {
			// unreadable payloads cannot be leased; park them for inspection
			if err := q.client.LPush(ctx, q.deadKey(), raw).Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
			}
			continue
		}
		sm.Receives++
		encoded, err := json.Marshal(sm)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		receipt := uuid.NewString()

		pipe := q.client.TxPipeline()
		pipe.HSet(ctx, q.claimsKey(), receipt, encoded)
		pipe.ZAdd(ctx, q.inflightKey(), redis.Z{Score: float64(deadline), Member: receipt})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("%w: lease message: %v", ErrQueueUnavailable, err)
		}

		out = append(out, Message{ID: sm.ID, Body: sm.Body, Receipt: receipt, ReceiveCount: sm.Receives})
	}
	return out, nil
}

// popFirst blocks up to wait for the first message. BRPOP has one-second
// resolution, so shorter waits fall back to a plain RPOP.
func (q *RedisQueue) popFirst(ctx context.Context, wait time.Duration) (string, error) {
	if wait < time.Second {
		raw, err := q.client.RPop(ctx, q.pendingKey()).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		return raw, nil
	}

	res, err := q.client.BRPop(ctx, wait, q.pendingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	return res[1], nil
}

// Delete acknowledges a delivery. An expired receipt has already been
// requeued, so deleting it is a no-op.
func (q *RedisQueue) Delete(ctx context.Context, msg Message) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), msg.Receipt)
	pipe.HDel(ctx, q.claimsKey(), msg.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: delete message: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// requeueExpired moves leases past their deadline back to pending, or to the
// dead list once the receive budget is spent. ZREM decides ownership when
// several consumers race over the same receipt.
func (q *RedisQueue) requeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	receipts, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(max),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: scan leases: %v", ErrQueueUnavailable, err)
	}

	moved := 0
	for _, receipt := range receipts {
		removed, err := q.client.ZRem(ctx, q.inflightKey(), receipt).Result()
		if err != nil {
			return moved, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		if removed == 0 {
			continue
		}
		raw, err := q.client.HGet(ctx, q.claimsKey(), receipt).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return moved, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}

		target := q.pendingKey()
		var sm storedMessage
		if json.Unmarshal([]byte(raw), &sm) != nil || sm.Receives >= q.maxReceives {
			target = q.deadKey()
		}

		pipe := q.client.TxPipeline()
		pipe.HDel(ctx, q.claimsKey(), receipt)
		pipe.LPush(ctx, target, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, fmt.Errorf("%w: requeue lease: %v", ErrQueueUnavailable, err)
		}
		moved++
	}
	return moved, nil
}

// DeadLetterCount reports how many messages sit in the dead list.
func (q *RedisQueue) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.deadKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return n, nil
}
