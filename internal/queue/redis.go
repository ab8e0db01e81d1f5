package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

// RedisQueue stores messages in a Redis stream read through a consumer
// group. Pending entries idle longer than the visibility timeout are
// reclaimed and redelivered.
type RedisQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	visibility time.Duration
}

type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	Stream     string
	Group      string
	Consumer   string
	Visibility time.Duration
}

func NewRedisQueue(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	err := client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		_ = client.Close()
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &RedisQueue{
		client:     client,
		stream:     opts.Stream,
		group:      opts.Group,
		consumer:   opts.Consumer,
		visibility: opts.Visibility,
	}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (q *RedisQueue) Send(ctx context.Context, body []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{bodyField: string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]WorkItem, error) {
	if max <= 0 {
		max = 1
	}

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}

	items := make([]WorkItem, 0, max)
	for _, msg := range claimed {
		items = append(items, toWorkItem(msg, true))
	}
	if len(items) >= max {
		return items, nil
	}

	// Don't block when reclaimed work is already in hand. A zero Block
	// would block forever.
	block := wait
	if len(items) > 0 || block <= 0 {
		block = -1
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max - len(items)),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return items, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return items, ctx.Err()
		}
		return items, fmt.Errorf("xreadgroup: %w", err)
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			items = append(items, toWorkItem(msg, false))
		}
	}
	return items, nil
}

func toWorkItem(msg redis.XMessage, redelivered bool) WorkItem {
	var body []byte
	switch v := msg.Values[bodyField].(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	}
	return WorkItem{
		MessageID:   msg.ID,
		Handle:      msg.ID,
		Body:        body,
		Redelivered: redelivered,
	}
}

func (q *RedisQueue) Delete(ctx context.Context, handle string) error {
	pipe := q.client.TxPipeline()
	ack := pipe.XAck(ctx, q.stream, q.group, handle)
	pipe.XDel(ctx, q.stream, handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acknowledging %s: %w", handle, err)
	}
	if ack.Val() == 0 {
		return ErrUnknownHandle
	}
	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
