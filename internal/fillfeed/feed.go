// Package fillfeed moves venue execution reports over kafka. Consumption is
// at-least-once: an offset is committed only after the report was handed
// over, so redelivery is expected and absorbed by fill-id deduplication.
package fillfeed

import (
	"context"
	"time"

	"oms/internal/execution"
	"oms/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	retryBase = 20 * time.Millisecond
	retryMax  = 2 * time.Second
)

// Config names the topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler accepts one fill. An error makes the consumer retry the same
// message.
type Handler func(schema.FillEvent) error

// NewReader creates a consumer-group reader.
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  100 * time.Millisecond,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logs.Errorf("kafka reader: "+msg, args...)
		}),
	})
}

// Consumer feeds fills from a reader into a handler.
type Consumer struct {
	reader  Reader
	handler Handler
	sleep   func(context.Context, time.Duration) error
}

// NewConsumer creates a consumer.
func NewConsumer(reader Reader, handler Handler) *Consumer {
	return &Consumer{reader: reader, handler: handler, sleep: sleep}
}

// Run consumes until ctx is done, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			logs.Warnf("close fill reader, err: %+v", err)
		}
	}()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch fill")
		}

		fill, err := Decode(msg.Value)
		if err != nil {
			// a report that cannot be decoded will never be; skip it
			logs.Errorf("drop undecodable fill, partition: %d, offset: %d, err: %+v", msg.Partition, msg.Offset, err)
		} else if err := c.deliver(ctx, fill); err != nil {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "commit offset %d", msg.Offset)
		}
	}
}

// deliver retries the handler until it accepts the fill or ctx is done.
func (c *Consumer) deliver(ctx context.Context, fill schema.FillEvent) error {
	for retry := 0; ; retry++ {
		err := c.handler(fill)
		if err == nil {
			return nil
		}
		logs.Warnf("fill handler, fill: %s, order: %s, retry: %d, err: %+v", fill.ID, fill.OrderID, retry, err)
		if err := c.sleep(ctx, execution.Backoff(retry, retryBase, retryMax)); err != nil {
			return err
		}
	}
}

// Decode parses one execution report.
func Decode(b []byte) (schema.FillEvent, error) {
	var f schema.FillEvent
	if err := sonic.ConfigStd.Unmarshal(b, &f); err != nil {
		return schema.FillEvent{}, errors.Wrap(err, "decode fill")
	}
	if f.ID == "" || f.OrderID == "" {
		return schema.FillEvent{}, errors.Errorf("fill without id or order id: %q", b)
	}
	return f, nil
}

// Encode renders one execution report.
func Encode(f schema.FillEvent) ([]byte, error) {
	b, err := sonic.ConfigStd.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode fill")
	}
	return b, nil
}

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter creates a writer that keys messages by order id so the fills of
// one order stay on one partition.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 5 * time.Millisecond,
	}
}

// Publisher writes fills to kafka. It is used as a paper venue's fill sink.
type Publisher struct {
	w       Writer
	timeout time.Duration
}

// NewPublisher wraps w.
func NewPublisher(w Writer) *Publisher {
	return &Publisher{w: w, timeout: 5 * time.Second}
}

// Publish writes one fill.
func (p *Publisher) Publish(ctx context.Context, f schema.FillEvent) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(f.OrderID), Value: b}); err != nil {
		return errors.Wrapf(err, "publish fill %s", f.ID)
	}
	return nil
}

// Sink adapts Publish to a venue fill sink; failures are logged.
func (p *Publisher) Sink(f schema.FillEvent) {
	if err := p.Publish(context.Background(), f); err != nil {
		logs.Errorf("publish fill, err: %+v", err)
	}
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
