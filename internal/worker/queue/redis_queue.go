// Package queue carries export run ids from the API to the worker.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a FIFO list: producers LPUSH, the worker BRPOPs.
type RedisQueue struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Push enqueues a run id.
func (q *RedisQueue) Push(ctx context.Context, runID string) error {
	return q.rdb.LPush(ctx, q.queueName, runID).Err()
}

// Pop blocks for up to timeout until a run id is available. It returns ""
// and no error when the timeout elapses with an empty queue.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Len reports how many runs are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}
