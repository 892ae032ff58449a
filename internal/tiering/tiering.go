// Package tiering moves overflowing short-term conversation buffers into
// long-term memory.
//
// Each Append checks the owner's buffer. Below the threshold the messages are
// simply stored. At or above it the oldest messages are handed to a
// background consolidation task and, once that succeeds, the buffer is
// rewritten to its most recent tail. At most one task runs per owner.
package tiering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/ltm"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/store"
)

// timeNow is replaced in tests.
var timeNow = time.Now

// Defaults.
const (
	DefaultThreshold   = 30
	DefaultConsolidate = 15
	DefaultRetain      = 15
	DefaultReadLimit   = 100
	DefaultWorkers     = 4
	DefaultTimeout     = 2 * time.Minute
)

var (
	ErrInvalidConfig = errors.New("invalid tiering configuration")
	ErrNilDependency = errors.New("tiering: dependency cannot be nil")
)

// Consolidator runs the long-term memory pipeline over a batch of messages.
type Consolidator interface {
	Consolidate(ctx context.Context, owner string, messages []memory.Message) (ltm.Result, error)
}

// Options configures a Controller.
type Options struct {
	// Threshold is the buffer length that triggers consolidation.
	Threshold int
	// Consolidate is how many of the oldest messages are consolidated.
	Consolidate int
	// Retain is how many of the newest messages stay in the buffer.
	Retain int
	// ReadLimit caps how many buffered messages are read per append.
	ReadLimit int
	Workers   int
	// Timeout bounds each consolidation task.
	Timeout time.Duration
}

// ApplyDefaults fills unset fields.
func (o *Options) ApplyDefaults() {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Consolidate <= 0 {
		o.Consolidate = DefaultConsolidate
	}
	if o.Retain <= 0 {
		o.Retain = DefaultRetain
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
}

// Validate checks that the batch and tail fit inside the threshold.
func (o Options) Validate() error {
	if o.Consolidate+o.Retain > o.Threshold {
		return fmt.Errorf("%w: consolidate (%d) + retain (%d) exceeds threshold (%d)",
			ErrInvalidConfig, o.Consolidate, o.Retain, o.Threshold)
	}
	if o.ReadLimit < o.Threshold {
		return fmt.Errorf("%w: read limit (%d) below threshold (%d)", ErrInvalidConfig, o.ReadLimit, o.Threshold)
	}
	return nil
}

// Outcome describes a finished consolidation task.
type Outcome struct {
	Owner    string
	Messages int
	Result   ltm.Result
	Err      error
	Duration time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers fn to be called after every consolidation task.
func WithObserver(fn func(Outcome)) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, fn)
	}
}

type task struct {
	ctx     context.Context
	owner   string
	gen     uint64
	batch   []memory.Message
	tail    []memory.Message
	trigger []memory.Message
}

// ownerState tracks an owner with a task in flight.
type ownerState struct {
	// pending holds every message appended while the task runs. They are
	// already in the buffer and must survive the tail rewrite.
	pending []memory.Message
}

// Controller decides when to consolidate and runs consolidation tasks on a
// bounded worker pool.
type Controller struct {
	buffer       store.Buffer
	consolidator Consolidator
	opts         Options
	logger       *zap.Logger
	observers    []func(Outcome)
	metrics      *metrics

	tasks chan task

	mu       sync.Mutex
	inflight map[string]*ownerState
	gens     map[string]uint64
	closed   bool

	pending sync.WaitGroup
	workers sync.WaitGroup
}

// New creates a Controller and starts its workers.
func New(buffer store.Buffer, consolidator Consolidator, opts Options, logger *zap.Logger, options ...Option) (*Controller, error) {
	if buffer == nil || consolidator == nil {
		return nil, ErrNilDependency
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		buffer:       buffer,
		consolidator: consolidator,
		opts:         opts,
		logger:       logger,
		metrics:      newMetrics(logger),
		tasks:        make(chan task, opts.Workers*4),
		inflight:     make(map[string]*ownerState),
		gens:         make(map[string]uint64),
	}
	for _, o := range options {
		o(c)
	}

	c.workers.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go c.work()
	}
	return c, nil
}

// Append adds messages to the owner's buffer, scheduling consolidation when
// the buffer overflows. It never waits for consolidation.
func (c *Controller) Append(ctx context.Context, owner string, msgs ...memory.Message) error {
	if err := memory.ValidateOwner(owner); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	msgs, err := stamp(msgs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if st, busy := c.inflight[owner]; busy {
		defer c.mu.Unlock()
		if err := c.buffer.Append(ctx, owner, msgs); err != nil {
			return err
		}
		st.pending = append(st.pending, msgs...)
		c.logger.Debug("consolidation in flight, buffering messages",
			zap.String("owner", owner), zap.Int("pending", len(st.pending)))
		return nil
	}

	current, err := c.buffer.Recent(ctx, owner, c.opts.ReadLimit)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("reading buffer for %s: %w", owner, err)
	}
	all := make([]memory.Message, 0, len(current)+len(msgs))
	all = append(all, current...)
	all = append(all, msgs...)

	if len(all) < c.opts.Threshold || c.closed {
		defer c.mu.Unlock()
		return c.buffer.Append(ctx, owner, msgs)
	}

	t := task{
		ctx:     context.WithoutCancel(ctx),
		owner:   owner,
		gen:     c.gens[owner],
		batch:   clone(all[:c.opts.Consolidate]),
		tail:    clone(all[len(all)-c.opts.Retain:]),
		trigger: msgs,
	}
	select {
	case c.tasks <- t:
		c.inflight[owner] = &ownerState{}
		c.pending.Add(1)
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.logger.Warn("consolidation queue full, deferring",
			zap.String("owner", owner), zap.Int("buffered", len(all)))
		return c.buffer.Append(ctx, owner, msgs)
	}

	c.metrics.triggered(ctx)
	c.logger.Info("scheduled consolidation",
		zap.String("owner", owner),
		zap.Int("buffered", len(all)),
		zap.Int("consolidating", len(t.batch)),
		zap.Int("retaining", len(t.tail)))
	return nil
}

// Discard forgets pending state for owner so that a running task does not
// rewrite a buffer that was cleared meanwhile.
func (c *Controller) Discard(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[owner]++
	if st, ok := c.inflight[owner]; ok {
		st.pending = nil
	}
}

// InFlight reports whether owner has a consolidation running.
func (c *Controller) InFlight(owner string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[owner]
	return ok
}

// Wait blocks until every scheduled task has finished.
func (c *Controller) Wait() {
	c.pending.Wait()
}

// Close stops accepting new tasks, waits for running ones and stops the
// workers. Appends after Close only store messages.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.pending.Wait()
	close(c.tasks)
	c.workers.Wait()
	return nil
}

func (c *Controller) work() {
	defer c.workers.Done()
	for t := range c.tasks {
		c.run(t)
	}
}

func (c *Controller) run(t task) {
	start := time.Now()
	out := Outcome{Owner: t.owner, Messages: len(t.batch)}

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("consolidation panicked: %v", r)
			c.logger.Error("consolidation panicked",
				zap.String("owner", t.owner), zap.Any("panic", r), zap.Stack("stack"))
			c.restore(t)
		}
		out.Duration = time.Since(start)
		c.finish(t, out)
	}()

	ctx, cancel := context.WithTimeout(t.ctx, c.opts.Timeout)
	defer cancel()

	res, err := c.consolidator.Consolidate(ctx, t.owner, t.batch)
	out.Result = res
	if err != nil {
		out.Err = err
		c.logger.Error("consolidation failed, keeping buffer",
			zap.String("owner", t.owner), zap.Int("messages", len(t.batch)), zap.Error(err))
		c.restore(t)
		return
	}

	if err := c.rewrite(ctx, t); err != nil {
		out.Err = err
		c.logger.Error("failed to trim buffer after consolidation",
			zap.String("owner", t.owner), zap.Error(err))
		return
	}
	c.logger.Info("consolidated short-term memory",
		zap.String("owner", t.owner),
		zap.Int("messages", len(t.batch)),
		zap.Int("added", len(res.Added)),
		zap.Duration("duration", time.Since(start)))
}

// rewrite replaces the buffer with the retained tail plus anything appended
// while the task ran.
func (c *Controller) rewrite(ctx context.Context, t task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[t.owner] != t.gen {
		c.logger.Info("buffer cleared during consolidation, skipping trim", zap.String("owner", t.owner))
		return nil
	}
	keep := clone(t.tail)
	if st := c.inflight[t.owner]; st != nil {
		keep = append(keep, st.pending...)
	}
	return c.buffer.Replace(ctx, t.owner, keep)
}

// restore stores the triggering messages, which were only held in memory,
// so that a failed task loses nothing. The next append re-triggers.
func (c *Controller) restore(t task) {
	c.mu.Lock()
	stale := c.gens[t.owner] != t.gen
	c.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, c.opts.Timeout)
	defer cancel()
	if err := c.buffer.Append(ctx, t.owner, t.trigger); err != nil {
		c.logger.Error("failed to restore triggering messages",
			zap.String("owner", t.owner), zap.Int("messages", len(t.trigger)), zap.Error(err))
	}
}

func (c *Controller) finish(t task, out Outcome) {
	c.mu.Lock()
	delete(c.inflight, t.owner)
	c.mu.Unlock()

	c.metrics.finished(t.ctx, out)
	for _, fn := range c.observers {
		fn(out)
	}
	c.pending.Done()
}

// stamp validates msgs and gives zero timestamps distinct, increasing values.
func stamp(msgs []memory.Message) ([]memory.Message, error) {
	out := make([]memory.Message, len(msgs))
	now := timeNow().UTC()
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now.Add(time.Duration(i) * time.Microsecond)
		}
		out[i] = m
	}
	return out, nil
}

func clone(msgs []memory.Message) []memory.Message {
	return append([]memory.Message(nil), msgs...)
}
