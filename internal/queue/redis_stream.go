package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/rueidis"
	"github.com/rs/zerolog/log"
)

const (
	redisBlockTimeout = 1000 // milliseconds
	errorRetryDelay   = 1 * time.Second
)

// RedisStreamQueue maps each topic to a Redis stream read through a consumer
// group. A failed entry is re-added with attempt+1 and the original is acked.
type RedisStreamQueue struct {
	client     rueidis.Client
	prefix     string
	group      string
	consumer   string
	MaxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisStreamQueue(addr, group, consumer string) (*RedisStreamQueue, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisStreamQueue{
		client:     client,
		prefix:     "mailtrack:",
		group:      group,
		consumer:   consumer,
		MaxRetries: DefaultMaxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (q *RedisStreamQueue) stream(topic string) string {
	return q.prefix + topic
}

func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, body []byte) error {
	return q.add(ctx, topic, body, 0)
}

func (q *RedisStreamQueue) add(ctx context.Context, topic string, body []byte, attempt int) error {
	cmd := q.client.B().Xadd().Key(q.stream(topic)).Id("*").
		FieldValue().FieldValue("payload", string(body)).
		FieldValue("attempt", strconv.Itoa(attempt)).
		Build()
	return q.client.Do(ctx, cmd).Error()
}

func (q *RedisStreamQueue) Subscribe(topic string, handler Handler) error {
	key := q.stream(topic)
	createGroupCmd := q.client.B().XgroupCreate().Key(key).Group(q.group).Id("0").Mkstream().Build()
	if err := q.client.Do(q.ctx, createGroupCmd).Error(); err != nil {
		log.Debug().Err(err).Str("stream", key).Msg("consumer group creation result (may already exist)")
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.ctx.Done():
				return
			default:
				if err := q.consume(topic, handler); err != nil && q.ctx.Err() == nil {
					log.Error().Err(err).Str("stream", key).Msg("error consuming messages")
					time.Sleep(errorRetryDelay)
				}
			}
		}
	}()
	return nil
}

func (q *RedisStreamQueue) consume(topic string, handler Handler) error {
	key := q.stream(topic)
	readCmd := q.client.B().Xreadgroup().Group(q.group, q.consumer).
		Count(1).
		Block(redisBlockTimeout).
		Streams().
		Key(key).
		Id(">").
		Build()

	result := q.client.Do(q.ctx, readCmd)
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil
		}
		return err
	}
	streams, err := result.AsXRead()
	if err != nil {
		return err
	}

	for _, entry := range streams[key] {
		body := entry.FieldValues["payload"]
		attempt, _ := strconv.Atoi(entry.FieldValues["attempt"])

		if err := handler(q.ctx, []byte(body)); err != nil {
			if attempt < q.MaxRetries {
				log.Warn().Err(err).Str("stream", key).Int("retry", attempt+1).Msg("requeueing failed job")
				if addErr := q.add(q.ctx, topic, []byte(body), attempt+1); addErr != nil {
					// leave unacked so it stays in the pending list
					return addErr
				}
			} else {
				log.Error().Err(err).Str("stream", key).Int("attempts", attempt+1).Msg("job permanently failed")
			}
		}

		ackCmd := q.client.B().Xack().Key(key).Group(q.group).Id(entry.ID).Build()
		if err := q.client.Do(q.ctx, ackCmd).Error(); err != nil {
			log.Error().Err(err).Str("message_id", entry.ID).Msg("failed to ACK message")
		}
	}
	return nil
}

func (q *RedisStreamQueue) Close() error {
	q.cancel()
	q.wg.Wait()
	q.client.Close()
	return nil
}
