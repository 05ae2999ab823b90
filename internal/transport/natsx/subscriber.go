// Package natsx feeds CRM events published on NATS into the coordinator.
//
// Events arrive as CloudEvents JSON on a queue subscription. Each message is
// submitted to the coordinator on the subscription goroutine, which keeps
// per-contact order within the process; the reply is sent once the outcome
// is known.
//
// A plain queue group spreads one contact's events over every member. With
// Partitions set, each instance joins its own group and keeps only the
// contacts that hash to its Partition, so a contact is owned by one process.
package natsx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/djlord-it/easytrigger/internal/coordinator"
	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/scheduler"
)

// Config holds connection and subscription settings.
type Config struct {
	URL     string
	Subject string
	Queue   string
	// NKeySeed enables NKEY authentication when set.
	NKeySeed string
	Name     string
	// Partitions and Partition split contacts across instances. Zero or one
	// partition disables the split.
	Partitions int
	Partition  int
}

// QueueGroup is the queue group this instance joins.
func (c Config) QueueGroup() string {
	if c.Partitions <= 1 {
		return c.Queue
	}
	return fmt.Sprintf("%s-p%d", c.Queue, c.Partition)
}

// Owns reports whether this instance handles contactID's events.
func (c Config) Owns(contactID string) bool {
	if c.Partitions <= 1 {
		return true
	}
	return coordinator.Partition(contactID, c.Partitions) == c.Partition
}

// answersMalformed picks one partition to reject undecodable messages, so a
// publisher gets a single reply.
func (c Config) answersMalformed() bool {
	return c.Partitions <= 1 || c.Partition == 0
}

func DefaultConfig() Config {
	return Config{
		URL:     nats.DefaultURL,
		Subject: "crm.events.contact.>",
		Queue:   "easytrigger",
		Name:    "easytrigger",
	}
}

// Connect dials NATS, authenticating with the NKEY seed when configured.
func Connect(cfg Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats: reconnected to %s", nc.ConnectedUrl())
		}),
	}

	if cfg.NKeySeed != "" {
		opt, err := nkeyOption(cfg.NKeySeed)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return nc, nil
}

func nkeyOption(seed string) (nats.Option, error) {
	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	return nats.Nkey(pub, func(nonce []byte) ([]byte, error) {
		return kp.Sign(nonce)
	}), nil
}

// Submitter is the coordinator intake.
type Submitter interface {
	Submit(ctx context.Context, event domain.Event) (<-chan coordinator.Outcome, error)
}

type MetricsSink interface {
	EventReceived(source string)
}

// Subscriber consumes the intake subject.
type Subscriber struct {
	conn      *nats.Conn
	config    Config
	submitter Submitter
	metrics   MetricsSink
	clock     func() time.Time
}

func NewSubscriber(conn *nats.Conn, config Config, submitter Submitter) *Subscriber {
	return &Subscriber{
		conn:      conn,
		config:    config,
		submitter: submitter,
		clock:     time.Now,
	}
}

func (s *Subscriber) WithMetrics(m MetricsSink) *Subscriber {
	s.metrics = m
	return s
}

// Run subscribes and blocks until ctx is cancelled, then drains the
// subscription so in-flight messages are still submitted.
func (s *Subscriber) Run(ctx context.Context) error {
	queue := s.config.QueueGroup()
	sub, err := s.conn.QueueSubscribe(s.config.Subject, queue, func(msg *nats.Msg) {
		s.handle(ctx, msg.Data, msg.Reply, msg.Respond)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.config.Subject, err)
	}
	if s.config.Partitions > 1 {
		log.Printf("nats: subscribed to %s (queue=%s, partition %d of %d)",
			s.config.Subject, queue, s.config.Partition, s.config.Partitions)
	} else {
		log.Printf("nats: subscribed to %s (queue=%s)", s.config.Subject, queue)
	}

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		log.Printf("nats: drain subscription: %v", err)
	}
	log.Println("nats: subscriber stopped")
	return nil
}

// handle submits one message. respond is only called when reply is set.
// Messages for contacts owned by another partition are ignored.
func (s *Subscriber) handle(ctx context.Context, body []byte, reply string, respond func([]byte) error) {
	event, err := Decode(body, s.clock())
	if err != nil {
		if !s.config.answersMalformed() {
			return
		}
		s.received()
		log.Printf("nats: dropping message: %v", err)
		s.respond(reply, respond, Reply{Status: StatusRejected, Error: err.Error()})
		return
	}
	if !s.config.Owns(event.ContactID) {
		return
	}
	s.received()

	outcome, err := s.submitter.Submit(ctx, event)
	if err != nil {
		log.Printf("nats: submit contact=%s kind=%s: %v", event.ContactID, event.Kind, err)
		s.respond(reply, respond, Reply{Status: StatusRetry, Error: err.Error()})
		return
	}

	// Waiting for the outcome must not hold up the next message.
	go func() {
		out := <-outcome
		s.respond(reply, respond, replyFor(out))
	}()
}

func (s *Subscriber) received() {
	if s.metrics != nil {
		s.metrics.EventReceived("nats")
	}
}

func (s *Subscriber) respond(reply string, respond func([]byte) error, r Reply) {
	if reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		log.Printf("nats: encode reply: %v", err)
		return
	}
	if err := respond(data); err != nil {
		log.Printf("nats: respond: %v", err)
	}
}

// replyFor maps an outcome: invalid events are rejected for good, every
// other error is worth a retry by the publisher.
func replyFor(out coordinator.Outcome) Reply {
	switch {
	case out.Err == nil:
		return okReply(out.Records)
	case errors.Is(out.Err, scheduler.ErrInvalidEvent):
		return Reply{Status: StatusRejected, Error: out.Err.Error()}
	default:
		return Reply{Status: StatusRetry, Error: out.Err.Error()}
	}
}
