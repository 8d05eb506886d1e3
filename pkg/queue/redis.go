package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis implements Broker over a redis server. FIFO queues are lists
// (LPUSH producer side, RPOP-to-processing consumer side); delayed queues
// are sorted sets scored by due time. Visibility timeouts are lease keys
// with a TTL; a reclaim scan returns payloads whose lease expired.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis creates a broker over an existing client.
func NewRedis(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func processingKey(queue string) string { return queue + ":processing" }

func leaseKey(queue string, payload []byte) string {
	sum := sha1.Sum(payload)
	return queue + ":lease:" + hex.EncodeToString(sum[:])
}

// Publish appends to the back of a FIFO queue.
func (r *Redis) Publish(ctx context.Context, queue string, msg Message) error {
	if err := r.client.LPush(ctx, queue, msg.Encode()).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Reserve moves the oldest message to the processing list and sets a
// lease key with the visibility timeout as TTL.
func (r *Redis) Reserve(ctx context.Context, queue string, visibility time.Duration) (*Reservation, error) {
	r.reclaim(ctx, queue)

	payload, err := r.client.LMove(ctx, queue, processingKey(queue), "RIGHT", "LEFT").Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve from %s: %w", queue, err)
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("malformed envelope on %s: %w", queue, err)
	}

	receipt := uuid.New().String()
	if err := r.client.Set(ctx, leaseKey(queue, payload), receipt, visibility).Err(); err != nil {
		return nil, fmt.Errorf("failed to set lease on %s: %w", queue, err)
	}

	return &Reservation{Queue: queue, Receipt: receipt, Message: msg}, nil
}

// Ack removes the message from the processing list and drops its lease.
// Fails with ErrInvalidReservation when the lease expired and another
// worker may already hold the message.
func (r *Redis) Ack(ctx context.Context, res *Reservation) error {
	payload := res.Message.Encode()
	key := leaseKey(res.Queue, payload)

	holder, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil || (err == nil && holder != res.Receipt) {
		return ErrInvalidReservation
	}
	if err != nil {
		return fmt.Errorf("failed to check lease: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, processingKey(res.Queue), 1, payload)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack reservation: %w", err)
	}
	return nil
}

// Schedule adds a message to a delayed queue scored by due time.
func (r *Redis) Schedule(ctx context.Context, queue string, msg Message, dueAt time.Time) error {
	msg.DueAt = dueAt.Unix()
	err := r.client.ZAdd(ctx, queue, redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: msg.Encode(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule on %s: %w", queue, err)
	}
	return nil
}

// Due pops every delayed message whose score has passed.
func (r *Redis) Due(ctx context.Context, queue string, now time.Time) ([]Message, error) {
	payloads, err := r.client.ZRangeByScore(ctx, queue, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due envelopes from %s: %w", queue, err)
	}

	var out []Message
	for _, payload := range payloads {
		removed, err := r.client.ZRem(ctx, queue, payload).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to pop due envelope: %w", err)
		}
		if removed == 0 {
			// Another pump got it first.
			continue
		}
		msg, err := DecodeMessage([]byte(payload))
		if err != nil {
			r.logger.Warn().Str("queue", queue).Msg("Dropping malformed delayed envelope")
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// List returns up to limit messages without removing them.
func (r *Redis) List(ctx context.Context, queue string, limit int) ([]Message, error) {
	end := int64(-1)
	if limit > 0 {
		end = int64(limit - 1)
	}

	payloads, err := r.client.LRange(ctx, queue, 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", queue, err)
	}
	if len(payloads) == 0 {
		// Maybe a delayed queue.
		payloads, err = r.client.ZRange(ctx, queue, 0, end).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", queue, err)
		}
	}

	var out []Message
	for _, payload := range payloads {
		msg, err := DecodeMessage([]byte(payload))
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Remove deletes one matching message from a FIFO queue.
func (r *Redis) Remove(ctx context.Context, queue string, msg Message) error {
	if err := r.client.LRem(ctx, queue, 1, msg.Encode()).Err(); err != nil {
		return fmt.Errorf("failed to remove from %s: %w", queue, err)
	}
	return nil
}

// Depth returns list length, falling back to sorted-set cardinality for
// delayed queues.
func (r *Redis) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := r.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", queue, err)
	}
	if n > 0 {
		return n, nil
	}
	return r.client.ZCard(ctx, queue).Val(), nil
}

// reclaim returns processing-list payloads whose lease expired back to the
// queue. Runs opportunistically before each reserve.
func (r *Redis) reclaim(ctx context.Context, queue string) {
	payloads, err := r.client.LRange(ctx, processingKey(queue), 0, -1).Result()
	if err != nil {
		r.logger.Warn().Err(err).Str("queue", queue).Msg("Reclaim scan failed")
		return
	}

	for _, payload := range payloads {
		exists, err := r.client.Exists(ctx, leaseKey(queue, []byte(payload))).Result()
		if err != nil || exists > 0 {
			continue
		}
		// Lease expired: hand the message back for redelivery.
		pipe := r.client.TxPipeline()
		pipe.LRem(ctx, processingKey(queue), 1, payload)
		pipe.RPush(ctx, queue, payload)
		if _, err := pipe.Exec(ctx); err != nil {
			r.logger.Warn().Err(err).Str("queue", queue).Msg("Failed to reclaim expired reservation")
			continue
		}
		r.logger.Info().Str("queue", queue).Msg("Reclaimed expired reservation")
	}
}
