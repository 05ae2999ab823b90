// Package coordinator serializes event processing per contact while letting
// different contacts proceed in parallel.
//
// Each event is routed by a hash of its contact id to one of a fixed number
// of workers. A worker owns a bounded FIFO mailbox and processes it one event
// at a time, so events for the same contact never interleave and are handled
// in submission order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/transport/channel"
)

var (
	// ErrShuttingDown is returned for events submitted after shutdown began
	// and for events still queued when the drain timeout expired. Callers
	// may retry them elsewhere.
	ErrShuttingDown = errors.New("coordinator shutting down")

	ErrAlreadyRunning = errors.New("coordinator already running")
)

type Processor interface {
	Process(ctx context.Context, event domain.Event) ([]domain.Execution, error)
}

// MetricsSink defines the interface for recording coordinator metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	MailboxDepthUpdate(worker, depth int)
	MailboxCapacitySet(capacity int)
	SubmitRejected(reason string)
}

// Outcome is the result of processing one submitted event.
type Outcome struct {
	Records []domain.Execution
	Err     error
}

type Config struct {
	// Workers is the number of events processed in parallel.
	// Default: 8.
	Workers int

	// MailboxSize is the capacity of each worker's queue.
	// Default: 64.
	MailboxSize int

	// DrainTimeout bounds how long queued events keep being processed
	// after shutdown begins.
	// Default: 30 seconds.
	DrainTimeout time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		MailboxSize:  64,
		DrainTimeout: 30 * time.Second,
	}
}

type job struct {
	ctx   context.Context
	event domain.Event
	reply chan Outcome
}

type Coordinator struct {
	config    Config
	processor Processor
	mailboxes []*channel.Mailbox[job]
	metrics   MetricsSink // optional, nil = disabled

	mu       sync.Mutex
	running  bool
	stopping bool
}

func New(config Config, processor Processor) *Coordinator {
	def := DefaultConfig()
	if config.Workers < 1 {
		config.Workers = def.Workers
	}
	if config.MailboxSize < 1 {
		config.MailboxSize = def.MailboxSize
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}

	c := &Coordinator{
		config:    config,
		processor: processor,
		mailboxes: make([]*channel.Mailbox[job], config.Workers),
	}
	for i := range c.mailboxes {
		c.mailboxes[i] = channel.NewMailbox[job](i, config.MailboxSize)
	}
	return c
}

// WithMetrics attaches a metrics sink to the coordinator and its mailboxes.
func (c *Coordinator) WithMetrics(sink MetricsSink) *Coordinator {
	c.metrics = sink
	for _, mb := range c.mailboxes {
		mb.WithMetrics(sink)
	}
	sink.MailboxCapacitySet(c.config.MailboxSize)
	return c
}

// WorkerFor returns the index of the worker that owns contactID.
func (c *Coordinator) WorkerFor(contactID string) int {
	return Partition(contactID, len(c.mailboxes))
}

// Partition maps contactID onto one of n slots. The same mapping places
// contacts on workers within a process and on instances across processes.
func Partition(contactID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(contactID) % uint64(n))
}

// Submit queues event on its contact's worker and returns a channel that
// receives exactly one Outcome. It blocks while that worker's mailbox is
// full, until ctx ends.
func (c *Coordinator) Submit(ctx context.Context, event domain.Event) (<-chan Outcome, error) {
	if c.isStopping() {
		c.rejected("shutting_down")
		return nil, ErrShuttingDown
	}

	reply := make(chan Outcome, 1)
	mb := c.mailboxes[c.WorkerFor(event.ContactID)]

	if err := mb.Send(ctx, job{ctx: ctx, event: event, reply: reply}); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			c.rejected("shutting_down")
			return nil, ErrShuttingDown
		}
		c.rejected("cancelled")
		return nil, err
	}
	return reply, nil
}

// Process submits event and waits for its outcome.
func (c *Coordinator) Process(ctx context.Context, event domain.Event) ([]domain.Execution, error) {
	reply, err := c.Submit(ctx, event)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out.Records, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled. It then stops
// accepting events and drains the mailboxes for at most DrainTimeout; events
// left after that receive ErrShuttingDown.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	// Detached from ctx so queued events can still finish during the drain.
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()

	var g errgroup.Group
	for _, mb := range c.mailboxes {
		mb := mb
		g.Go(func() error {
			c.work(procCtx, mb)
			return nil
		})
	}

	log.Printf("coordinator: started (workers=%d, mailbox=%d)", c.config.Workers, c.config.MailboxSize)

	<-ctx.Done()

	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()

	queued := 0
	for _, mb := range c.mailboxes {
		queued += mb.Len()
		mb.Close()
	}
	log.Printf("coordinator: shutting down, draining %d queued events (timeout=%s)", queued, c.config.DrainTimeout)

	timer := time.AfterFunc(c.config.DrainTimeout, cancelProc)
	defer timer.Stop()

	err := g.Wait()
	log.Println("coordinator: stopped")
	return err
}

// work processes one mailbox until it is closed and empty.
func (c *Coordinator) work(ctx context.Context, mb *channel.Mailbox[job]) {
	for {
		j, ok := mb.Receive(context.Background())
		if !ok {
			return
		}
		j.reply <- c.handle(ctx, j)
	}
}

func (c *Coordinator) handle(ctx context.Context, j job) Outcome {
	if ctx.Err() != nil {
		c.rejected("shutting_down")
		return Outcome{Err: ErrShuttingDown}
	}
	if err := j.ctx.Err(); err != nil {
		// submitter gave up before the event was reached
		c.rejected("cancelled")
		return Outcome{Err: err}
	}

	records, err := c.processor.Process(ctx, j.event)
	if err != nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrShuttingDown, err)
	}
	return Outcome{Records: records, Err: err}
}

func (c *Coordinator) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Coordinator) rejected(reason string) {
	if c.metrics != nil {
		c.metrics.SubmitRejected(reason)
	}
}
