// Package queue runs the asynchronous task pipeline on RabbitMQ: AI
// response generation and outbound sends each get a durable queue bound
// to the task exchange, consumed by a bounded worker set.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chatrelay/chatrelay/internal/config"
)

// ErrPoison marks a delivery as non-retriable bad content (e.g. a JSON
// decode failure). Poison deliveries are acked and dropped.
var ErrPoison = errors.New("poison message")

// HandlerFunc consumes one delivery body.
type HandlerFunc func(ctx context.Context, body []byte) error

// JSONHandler wraps a typed handler, turning decode failures into ErrPoison.
func JSONHandler[T any](h func(context.Context, T) error) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return ErrPoison
		}
		return h(ctx, v)
	}
}

// ConsumerSpec defines one queue's consumers.
type ConsumerSpec struct {
	Queue      string
	RoutingKey string
	Workers    int
	Prefetch   int
	Handle     HandlerFunc
}

// Client owns the AMQP connection, the task exchange topology, and the
// consumer workers.
type Client struct {
	conn     *amqp.Connection
	cfg      config.RabbitMQConfig
	logger   *slog.Logger
	exchange string

	pubPool chan *amqp.Channel

	workerWG sync.WaitGroup
}

// defaultPublishPool bounds idle publisher channels when the pool size
// is not configured.
const defaultPublishPool = 4

// NewClient dials the broker and declares the task exchange.
func NewClient(ctx context.Context, log *slog.Logger, cfg config.RabbitMQConfig) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("service", "queue"))
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	exchange := cfg.TaskExchange
	if exchange == "" {
		exchange = config.DefaultTaskExchange
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(cfg.ConnTimeout()),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare task exchange: %w", err)
	}
	_ = ch.Close()

	poolSize := cfg.PublishPoolSize
	if poolSize <= 0 {
		poolSize = defaultPublishPool
	}

	logger.Info("queue client ready", slog.String("exchange", exchange))
	return &Client{
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		exchange: exchange,
		pubPool:  make(chan *amqp.Channel, poolSize),
	}, nil
}

// EnqueueAIResponse implements TaskPublisher.
func (c *Client) EnqueueAIResponse(ctx context.Context, job AIResponseJob) error {
	return c.publish(ctx, RoutingKeyAIResponse, job)
}

// EnqueueOutboundSend implements TaskPublisher.
func (c *Client) EnqueueOutboundSend(ctx context.Context, job OutboundSendJob) error {
	return c.publish(ctx, RoutingKeyOutboundSend, job)
}

func (c *Client) publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ch, err := c.borrowPublishChannel()
	if err != nil {
		return fmt.Errorf("borrow publish channel: %w", err)
	}
	defer c.returnPublishChannel(ch)
	return ch.PublishWithContext(ctx, c.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         routingKey,
	})
}

// borrowPublishChannel takes an idle channel from the pool or opens a
// fresh one. Channels that died while idle are discarded.
func (c *Client) borrowPublishChannel() (*amqp.Channel, error) {
	for {
		select {
		case ch := <-c.pubPool:
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
			return c.conn.Channel()
		}
	}
}

// returnPublishChannel hands a channel back to the pool, closing it when
// the pool is already at capacity.
func (c *Client) returnPublishChannel(ch *amqp.Channel) {
	if ch == nil || ch.IsClosed() {
		return
	}
	select {
	case c.pubPool <- ch:
	default:
		_ = ch.Close()
	}
}

// RunConsumers declares the queues and starts the workers for each spec,
// blocking until ctx is cancelled.
func (c *Client) RunConsumers(ctx context.Context, specs ...ConsumerSpec) error {
	for _, spec := range specs {
		workers := spec.Workers
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			if err := c.startWorker(ctx, spec); err != nil {
				return fmt.Errorf("start consumer for %s: %w", spec.Queue, err)
			}
		}
		c.logger.Info("consumers started",
			slog.String("queue", spec.Queue),
			slog.Int("workers", workers))
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *Client) startWorker(ctx context.Context, spec ConsumerSpec) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = c.cfg.PrefetchPerQueue
		if prefetch <= 0 {
			prefetch = 1
		}
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.QueueBind(spec.Queue, spec.RoutingKey, c.exchange, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	deliveries, err := ch.Consume(spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	c.workerWG.Add(1)
	go func() {
		defer c.workerWG.Done()
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				c.settle(ctx, spec, d)
			}
		}
	}()
	return nil
}

// settle runs the handler for one delivery and acks or requeues it. A
// failed delivery is requeued once: the broker flags the retry as
// redelivered, and a second failure acks and drops it so a wedged job
// cannot hot-loop a worker.
func (c *Client) settle(ctx context.Context, spec ConsumerSpec, d amqp.Delivery) {
	err := spec.Handle(ctx, d.Body)
	switch {
	case errors.Is(err, ErrPoison):
		c.logger.Warn("dropping poison task",
			slog.String("queue", spec.Queue),
			slog.String("type", d.Type))
		_ = d.Ack(false)
	case err != nil && d.Redelivered:
		c.logger.Error("dropping task after failed retry",
			slog.String("queue", spec.Queue),
			slog.String("type", d.Type),
			slog.Any("error", err))
		_ = d.Ack(false)
	case err != nil:
		c.logger.Error("task failed, requeueing",
			slog.String("queue", spec.Queue),
			slog.Any("error", err))
		_ = d.Nack(false, true)
	default:
		_ = d.Ack(false)
	}
}

// Close waits briefly for workers and closes the connection.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	for {
		select {
		case ch := <-c.pubPool:
			_ = ch.Close()
			continue
		default:
		}
		break
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
