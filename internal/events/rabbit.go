package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// MaxDialDelay caps the exponential dial backoff
const MaxDialDelay = 60 * time.Second

type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        zerolog.Logger
}

// DialWithRetry tries to connect to RabbitMQ with exponential backoff.
// It respects context cancellation for graceful shutdown.
func DialWithRetry(ctx context.Context, cfg ConnectionOptions) (*amqp.Connection, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	var lastErr error

	for i := 1; i <= cfg.RetryAttempts; i++ {
		conn, err := amqp.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				cfg.Logger.Info().Int("attempt", i).Msg("rabbit connected")
			}
			return conn, nil
		}
		lastErr = err
		if i == cfg.RetryAttempts {
			break
		}

		sleep := cfg.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > MaxDialDelay {
			sleep = MaxDialDelay
		}
		cfg.Logger.Warn().Err(err).Int("attempt", i).Dur("sleep", sleep).Msg("rabbit dial failed")

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", cfg.RetryAttempts, lastErr)
}

// RabbitPublisher publishes envelopes to a topic exchange with persistent delivery
type RabbitPublisher struct {
	conn     *amqp.Connection
	exchange string
	ttl      time.Duration
	logger   zerolog.Logger
}

// NewRabbitPublisher declares the exchange and returns a publisher. Messages expire after ttl.
func NewRabbitPublisher(conn *amqp.Connection, exchange string, ttl time.Duration, logger zerolog.Logger) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &RabbitPublisher{
		conn:     conn,
		exchange: exchange,
		ttl:      ttl,
		logger:   logger.With().Str("component", "publisher").Logger(),
	}, nil
}

// Publish sends env under routing key and waits for the broker confirm
func (r *RabbitPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msgID := env.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := ""
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msgID,
		CorrelationId: cid,
		Type:          env.Meta.Type,
		Timestamp:     time.Now(),
		Body:          body,
	}
	if r.ttl > 0 {
		pub.Expiration = strconv.FormatInt(r.ttl.Milliseconds(), 10)
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, r.exchange, key, false, false, pub)
	if err != nil {
		return err
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker nacked message %s", msgID)
	}
	r.logger.Debug().Str("key", key).Str("id", msgID).Msg("published")
	return nil
}

// DefaultRedialDelay is the first pause between failed redials of a dropped consumer connection
const DefaultRedialDelay = time.Second

// Consumer drains the notification queue into a Processor. Failed deliveries are rejected without
// requeue so the broker dead-letters them.
type Consumer struct {
	mu        sync.Mutex
	conn      *amqp.Connection
	exchange  string
	queue     string
	workers   int
	processor *Processor
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	dial        func(ctx context.Context) (*amqp.Connection, error)
	consume     func(ctx context.Context) error
	redialDelay time.Duration
}

// NewConsumer creates a consumer for queue bound to both event routing keys on exchange
func NewConsumer(conn *amqp.Connection, exchange, queue string, workers int, proc *Processor, logger zerolog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	c := &Consumer{
		conn:        conn,
		exchange:    exchange,
		queue:       queue,
		workers:     workers,
		processor:   proc,
		metrics:     metrics.Get(),
		logger:      logger.With().Str("component", "consumer").Str("queue", queue).Logger(),
		redialDelay: DefaultRedialDelay,
	}
	c.consume = c.Run
	return c
}

// WithRedial lets RunWithReconnect replace a dropped connection using DialWithRetry with opts
func (c *Consumer) WithRedial(opts ConnectionOptions) *Consumer {
	c.dial = func(ctx context.Context) (*amqp.Connection, error) {
		return DialWithRetry(ctx, opts)
	}
	if opts.Delay > 0 {
		c.redialDelay = opts.Delay
	}
	return c
}

func (c *Consumer) connection() *amqp.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// replace swaps in a fresh connection and closes the previous one if it is still open
func (c *Consumer) replace(conn *amqp.Connection) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil && old != conn && !old.IsClosed() {
		_ = old.Close()
	}
}

// Close closes the connection the consumer currently holds
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// RunWithReconnect consumes until ctx is cancelled. Whenever consumption stops early, typically
// because the broker dropped the connection, it redials and starts over. Without a redial function it
// behaves like Run.
func (c *Consumer) RunWithReconnect(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if c.dial == nil {
			return err
		}
		c.logger.Warn().Err(err).Msg("consumer interrupted, reconnecting")

		conn, err := c.redial(ctx)
		if err != nil {
			// only cancellation ends the redial loop
			return nil
		}
		c.replace(conn)
		c.logger.Info().Msg("consumer reconnected")
	}
}

// redial keeps dialing with a growing pause until it gets a connection or ctx ends
func (c *Consumer) redial(ctx context.Context) (*amqp.Connection, error) {
	delay := c.redialDelay
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error().Err(err).Dur("retry_in", delay).Msg("broker redial failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > MaxDialDelay {
			delay = MaxDialDelay
		}
	}
}

// DeadLetterExchange and DeadLetterQueue name the failure isolation topology of queue
func DeadLetterExchange(queue string) string { return queue + ".dlx" }
func DeadLetterQueue(queue string) string    { return queue + ".dead" }

// declareTopology declares the main queue with its dead-letter exchange and queue
func (c *Consumer) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	dlx := DeadLetterExchange(c.queue)
	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue(c.queue), true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(DeadLetterQueue(c.queue), "", dlx, false, nil); err != nil {
		return err
	}

	args := amqp.Table{"x-dead-letter-exchange": dlx}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, args); err != nil {
		return err
	}
	for _, key := range []string{TypeAgentAssigned, TypeNegativeSentiment} {
		if err := ch.QueueBind(c.queue, key, c.exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Run consumes until ctx is cancelled or the channel closes
func (c *Consumer) Run(ctx context.Context) error {
	conn := c.connection()
	if conn == nil {
		return errors.New("consumer has no broker connection")
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.workers, 0, false); err != nil {
		return err
	}
	if err := c.declareTopology(ch); err != nil {
		return err
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.logger.Info().Int("workers", c.workers).Msg("consumer started")

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					c.deliver(ctx, d)
				}
			}
		}()
	}
	wg.Wait()

	c.logger.Info().Msg("consumer stopped")
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("delivery channel closed")
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	err := c.processor.Dispatch(ctx, d.RoutingKey, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	c.metrics.RecordEventDeadLettered()
	c.logger.Error().Err(err).
		Str("routing_key", d.RoutingKey).
		Str("message_id", d.MessageId).
		Bool("poison", errors.Is(err, ErrPoison)).
		Msg("Event processing failed, dead-lettering")
	_ = d.Nack(false, false)
}

// Dispatch decodes a broker body and routes it to the matching handler
func (p *Processor) Dispatch(ctx context.Context, routingKey string, body []byte) error {
	switch routingKey {
	case TypeAgentAssigned:
		var env GenericEnvelope[AgentAssignedEvent]
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return p.HandleAgentAssigned(ctx, env.Data)
	case TypeNegativeSentiment:
		var env GenericEnvelope[NegativeSentimentEvent]
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		return p.HandleNegativeSentiment(ctx, env.Data)
	}
	return fmt.Errorf("%w: unknown routing key %q", ErrPoison, routingKey)
}
