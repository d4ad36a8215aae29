package mail

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EDRN/biokey/internal/config"
)

// ErrQueueFull is returned when the in-memory queue has no room
var ErrQueueFull = errors.New("mail queue is full")

// Delivery is a dequeued message. Ack removes it from the queue for good.
type Delivery struct {
	Message Message
	ack     func(ctx context.Context) error
}

// Ack marks the delivery as handled
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Queue holds messages between dispatch and delivery. Messages leave the
// queue in NotBefore order and never before their NotBefore time.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message is due or ctx is done
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

// NewQueue builds the queue named by cfg.Type
func NewQueue(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (Queue, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryQueue(cfg.Capacity), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		q := NewRedisQueue(client, cfg.Redis.Key, logger)
		if _, err := q.Recover(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", cfg.Type)
	}
}

// MemoryQueue is a bounded in-process schedule. Messages are lost on exit.
type MemoryQueue struct {
	mu       sync.Mutex
	items    schedule
	seq      uint64
	capacity int
	wake     chan struct{}
	now      func() time.Time
}

type scheduled struct {
	msg Message
	seq uint64
}

// schedule is a heap ordered by NotBefore, then by arrival
type schedule []scheduled

func (s schedule) Len() int { return len(s) }
func (s schedule) Less(i, j int) bool {
	if !s[i].msg.NotBefore.Equal(s[j].msg.NotBefore) {
		return s[i].msg.NotBefore.Before(s[j].msg.NotBefore)
	}
	return s[i].seq < s[j].seq
}
func (s schedule) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s *schedule) Push(x any)   { *s = append(*s, x.(scheduled)) }
func (s *schedule) Pop() any {
	old := *s
	item := old[len(old)-1]
	*s = old[:len(old)-1]
	return item
}

// NewMemoryQueue creates a queue holding up to capacity messages
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryQueue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.items, scheduled{msg: msg, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		var timer *time.Timer
		var due <-chan time.Time

		q.mu.Lock()
		if len(q.items) > 0 {
			wait := q.items[0].msg.NotBefore.Sub(q.now())
			if wait <= 0 {
				next := heap.Pop(&q.items).(scheduled)
				more := len(q.items) > 0
				q.mu.Unlock()
				if more {
					q.signal()
				}
				return &Delivery{Message: next.msg}, nil
			}
			timer = time.NewTimer(wait)
			due = timer.C
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-due:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (q *MemoryQueue) Close() error { return nil }

// Len returns the number of queued messages, due or not
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// claimDue moves the earliest message due by ARGV[1] from the schedule onto
// the processing list and returns it
var claimDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
redis.call('ZREM', KEYS[1], due[1])
redis.call('LPUSH', KEYS[2], due[1])
return due[1]
`)

// queued is the stored form of a message. The id keeps identical messages
// distinct in the schedule.
type queued struct {
	ID      string  `json:"id"`
	Message Message `json:"message"`
}

func score(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli())
}

// RedisQueue is a durable schedule: a sorted set scored by NotBefore. Claimed
// messages sit on a processing list until acknowledged; Recover puts
// leftovers back.
type RedisQueue struct {
	client     *redis.Client
	key        string
	processing string
	poll       time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewRedisQueue creates a queue on the sorted set at key
func NewRedisQueue(client *redis.Client, key string, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{
		client:     client,
		key:        key,
		processing: key + ":processing",
		poll:       time.Second,
		now:        time.Now,
		logger:     logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(queued{ID: uuid.NewString(), Message: msg})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.key, &redis.Z{Score: score(msg.NotBefore), Member: raw}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.now()
		raw, err := claimDue.Run(ctx, q.client, []string{q.key, q.processing}, score(now)).Text()
		if errors.Is(err, redis.Nil) {
			if !sleep(ctx, q.untilNext(ctx, now)) {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue message: %w", err)
		}

		var item queued
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			q.logger.Error("Dropping undecodable queued message", zap.Error(err))
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}

		return &Delivery{
			Message: item.Message,
			ack: func(ctx context.Context) error {
				return q.client.LRem(ctx, q.processing, 1, raw).Err()
			},
		}, nil
	}
}

// untilNext returns how long to wait before the next message is due, at most
// the poll interval so messages queued by other processes are noticed
func (q *RedisQueue) untilNext(ctx context.Context, now time.Time) time.Duration {
	next, err := q.client.ZRangeWithScores(ctx, q.key, 0, 0).Result()
	if err != nil || len(next) == 0 {
		return q.poll
	}
	wait := time.UnixMilli(int64(next[0].Score)).Sub(now)
	if wait > q.poll {
		return q.poll
	}
	return wait
}

// Recover moves every message left on the processing list back onto the schedule
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		raw, err := q.client.LIndex(ctx, q.processing, -1).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover queued messages: %w", err)
		}

		// Undecodable leftovers are due at once and dropped by Dequeue
		var item queued
		_ = json.Unmarshal([]byte(raw), &item)

		if err := q.client.ZAdd(ctx, q.key, &redis.Z{Score: score(item.Message.NotBefore), Member: raw}).Err(); err != nil {
			return moved, fmt.Errorf("failed to recover queued messages: %w", err)
		}
		if err := q.client.RPop(ctx, q.processing).Err(); err != nil {
			return moved, fmt.Errorf("failed to recover queued messages: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("Requeued unfinished messages", zap.Int("count", moved))
	}
	return moved, nil
}

// Len returns the number of scheduled messages, due or not
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
