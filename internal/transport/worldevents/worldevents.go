// Package worldevents bridges the world to a Kafka bus: geometry breaks
// published by the host game come in, cover lifecycle events go out.
package worldevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"covercraft.ai/internal/protocol"
	"covercraft.ai/internal/sim/cover/logic/mathx"
	"covercraft.ai/internal/sim/world"
)

const (
	TopicWorldEvents = "world_events"
	TopicCoverEvents = "cover_events"
)

type Config struct {
	Brokers []string
	GroupID string
	// InTopic carries BREAK messages; OutTopic receives cover events.
	InTopic  string
	OutTopic string
	MaxWait  time.Duration
}

func (c *Config) applyDefaults() {
	if c.GroupID == "" {
		c.GroupID = "coverd"
	}
	if c.InTopic == "" {
		c.InTopic = TopicWorldEvents
	}
	if c.OutTopic == "" {
		c.OutTopic = TopicCoverEvents
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Breaker receives geometry breaks.
type Breaker interface {
	Break(center mathx.Vec3, radius float64, source string) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, kinds []string) (<-chan protocol.Event, func(), error)
}

func NewReader(cfg Config) *kafka.Reader {
	cfg.applyDefaults()
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.InTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1e6,
		MaxWait:  cfg.MaxWait,
	})
}

func NewWriter(cfg Config) *kafka.Writer {
	cfg.applyDefaults()
	return &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.OutTopic,
		Balancer: &kafka.Hash{},
	}
}

// Consumer feeds BREAK messages from the bus into the world.
type Consumer struct {
	r   MessageReader
	w   Breaker
	log *logrus.Entry

	applied int
	skipped int
}

func NewConsumer(r MessageReader, w Breaker, logger *logrus.Entry) *Consumer {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Consumer{r: r, w: w, log: logger.WithField("component", "worldevents")}
}

// Run reads until ctx ends or the reader is closed. Malformed messages are
// logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.r.Close()
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			c.log.WithError(err).Warn("read failed")
			continue
		}
		if err := c.apply(m); err != nil {
			c.skipped++
			c.log.WithError(err).WithFields(logrus.Fields{"key": string(m.Key), "offset": m.Offset}).Warn("world event skipped")
			continue
		}
		c.applied++
	}
}

func (c *Consumer) apply(m kafka.Message) error {
	base, err := protocol.DecodeBase(m.Value)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if base.Type != protocol.TypeBreak {
		return fmt.Errorf("unsupported type %q", base.Type)
	}
	var b protocol.BreakMsg
	if err := protocol.Decode(protocol.TypeBreak, m.Value, &b); err != nil {
		return err
	}
	source := b.Source
	if source == "" {
		source = "kafka:" + string(m.Key)
	}
	return c.w.Break(world.VecFromArray(b.Center), b.Radius, source)
}

// Counts reports applied and skipped messages. Only meaningful after Run
// returns.
func (c *Consumer) Counts() (applied, skipped int) { return c.applied, c.skipped }

// Publisher forwards world events to the bus, keyed by world id.
type Publisher struct {
	w       MessageWriter
	worldID string
	log     *logrus.Entry
}

func NewPublisher(w MessageWriter, worldID string, logger *logrus.Entry) *Publisher {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Publisher{w: w, worldID: worldID, log: logger.WithField("component", "worldevents")}
}

// Run forwards events of the given kinds until ctx ends or the world stops.
func (p *Publisher) Run(ctx context.Context, src Subscriber, kinds []string) error {
	defer p.w.Close()
	events, cancel, err := src.Subscribe(ctx, kinds)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.Publish(ctx, ev); err != nil {
				p.log.WithError(err).WithField("kind", ev.Kind).Warn("publish failed")
			}
		}
	}
}

func (p *Publisher) Publish(ctx context.Context, ev protocol.Event) error {
	b, err := json.Marshal(protocol.EventMsg{Type: protocol.TypeEvent, ProtocolVersion: protocol.Version, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(p.worldID), Value: b})
}
