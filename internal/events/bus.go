// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/archivist/internal/logging"
	"github.com/tomtom215/archivist/internal/metrics"
)

// Backends.
const (
	BackendNone      = "none"
	BackendGoChannel = "gochannel"
	BackendNATS      = "nats"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event bus closed")

// Config configures the bus.
type Config struct {
	Backend string `koanf:"backend" validate:"oneof=none gochannel nats"`

	// URL of an external NATS server. Ignored when Embedded is set.
	URL      string       `koanf:"url"`
	Embedded bool         `koanf:"embedded"`
	Server   ServerConfig `koanf:"server"`

	Stream        string        `koanf:"stream" validate:"omitempty,alphanum"`
	MaxAge        time.Duration `koanf:"max_age" validate:"min=0"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait" validate:"min=0"`

	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"min=0"`
}

// DefaultConfig returns the in-process backend.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendGoChannel,
		Server:          ServerConfig{Port: -1},
		Stream:          "ARCHIVIST",
		MaxAge:          7 * 24 * time.Hour,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Bus publishes archive events. A Bus with the none backend accepts and
// drops every event.
type Bus struct {
	cfg     Config
	logger  zerolog.Logger
	wmLog   watermill.LoggerAdapter
	pub     message.Publisher
	sub     message.Subscriber
	breaker *gobreaker.CircuitBreaker[struct{}]
	server  *EmbeddedServer
	conn    *natsgo.Conn
	url     string

	mu     sync.Mutex
	closed bool
}

// New creates the bus. For the nats backend it starts the embedded server
// when configured and ensures the stream exists.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Bus, error) {
	def := DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	b := &Bus{
		cfg:    cfg,
		logger: logger.With().Str("component", "events").Str("backend", cfg.Backend).Logger(),
		wmLog:  watermill.NewSlogLogger(logging.NewSlogLogger(logger.With().Str("component", "watermill").Logger())),
	}
	b.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "event-publisher",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Event publisher breaker state change")
		},
	})

	switch cfg.Backend {
	case BackendNone:
	case BackendGoChannel:
		gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, b.wmLog)
		b.pub, b.sub = gc, gc
	case BackendNATS:
		if err := b.openNATS(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown event backend %q", cfg.Backend)
	}
	b.logger.Info().Msg("Event bus ready")
	return b, nil
}

func (b *Bus) openNATS(ctx context.Context) error {
	b.url = b.cfg.URL
	if b.cfg.Embedded {
		srv, err := StartEmbeddedServer(b.cfg.Server)
		if err != nil {
			return err
		}
		b.server = srv
		b.url = srv.ClientURL()
	}
	if b.url == "" {
		b.url = natsgo.DefaultURL
	}

	conn, err := natsgo.Connect(b.url, b.natsOptions()...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	b.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       b.cfg.Stream,
		Subjects:   []string{"archivist.>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
		MaxAge:     b.cfg.MaxAge,
		Duplicates: 2 * time.Minute,
	}); err != nil {
		return fmt.Errorf("ensure stream %s: %w", b.cfg.Stream, err)
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         b.url,
		NatsOptions: b.natsOptions(),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, b.wmLog)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	b.pub = pub
	return nil
}

func (b *Bus) natsOptions() []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("archivist"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(b.cfg.MaxReconnects),
		natsgo.ReconnectWait(b.cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
}

// PublishFileRecorded announces a submission.
func (b *Bus) PublishFileRecorded(ctx context.Context, e FileRecorded) error {
	if e.EventID == "" {
		e.EventID = newEventID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return b.publish(ctx, TopicFileRecorded, e.EventID, e.ContentSHA256, e)
}

// PublishForwardResult announces a terminal queue item. Other states are
// ignored.
func (b *Bus) PublishForwardResult(ctx context.Context, e ForwardResult) error {
	topic := e.Topic()
	if topic == "" {
		return nil
	}
	if e.EventID == "" {
		e.EventID = newEventID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return b.publish(ctx, topic, e.EventID, e.ContentSHA256, e)
}

func (b *Bus) publish(ctx context.Context, topic, eventID, sha string, payload any) error {
	if b.pub == nil {
		return nil
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	msg := message.NewMessage(eventID, data)
	msg.SetContext(ctx)
	msg.Metadata.Set("content_sha256", sha)
	msg.Metadata.Set(natsgo.MsgIdHdr, eventID)
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		middleware.SetCorrelationID(cid, msg)
	}

	_, err = b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.pub.Publish(topic, msg)
	})
	metrics.RecordEventPublish(topic, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns the messages published on topic from now on. Handlers
// must Ack each message.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.sub == nil {
		if b.cfg.Backend != BackendNATS {
			return nil, fmt.Errorf("backend %s has no subscriber", b.cfg.Backend)
		}
		sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
			URL:              b.url,
			SubscribersCount: 1,
			AckWaitTimeout:   30 * time.Second,
			CloseTimeout:     10 * time.Second,
			NatsOptions:      b.natsOptions(),
			Unmarshaler:      &wmNats.NATSMarshaler{},
			JetStream: wmNats.JetStreamConfig{
				AutoProvision: false,
				SubscribeOptions: []natsgo.SubOpt{
					natsgo.BindStream(b.cfg.Stream),
					natsgo.DeliverNew(),
					natsgo.AckExplicit(),
				},
			},
		}, b.wmLog)
		if err != nil {
			return nil, fmt.Errorf("create subscriber: %w", err)
		}
		b.sub = sub
	}
	return b.sub.Subscribe(ctx, topic)
}

// Healthy reports whether the backend can accept events.
func (b *Bus) Healthy() bool {
	if b.conn != nil {
		return b.conn.IsConnected()
	}
	return true
}

// Close shuts the bus down. It is safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	// The gochannel backend is both publisher and subscriber.
	if b.sub != nil && b.cfg.Backend == BackendNATS {
		errs = append(errs, b.sub.Close())
	}
	if b.pub != nil {
		errs = append(errs, b.pub.Close())
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errs = append(errs, b.server.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
