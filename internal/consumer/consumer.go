// Package consumer wraps the broker client in a lifecycle state machine
// that detects lost partition assignment and restarts the connection.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrHalt is returned by a handler to stop the lifecycle permanently: the
// pipeline behind it must not process further batches until an operator
// intervenes. Any other handler error forces a restart with backoff.
var ErrHalt = errors.New("pipeline halted")

// errRestart signals an internal restart when the client closed under us.
var errRestart = errors.New("consumer client closed")

// Config holds one consumer loop's broker configuration.
type Config struct {
	Brokers           []string
	TopicPattern      string
	Group             string
	OffsetReset       string // "earliest" or "latest" (default "latest")
	AutoCommit        bool
	PollTimeout       time.Duration
	UnassignedRestart time.Duration
	RestartBackoff    time.Duration
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers are required")
	}
	if c.TopicPattern == "" {
		return fmt.Errorf("topic pattern is required")
	}
	if c.Group == "" {
		return fmt.Errorf("consumer group is required")
	}
	return nil
}

// Committer commits the offsets of everything polled since the previous
// commit. The call blocks until the broker acknowledges.
type Committer interface {
	Commit(ctx context.Context) error
}

// Handler processes records and idle ticks for one consumer loop.
type Handler interface {
	// SessionStart runs once per broker connection, before the first poll.
	// Buffered state from a previous connection must be discarded here.
	SessionStart(now time.Time)

	// HandleRecords processes one poll's records. Decode failures are the
	// handler's business and must not be returned as errors.
	HandleRecords(ctx context.Context, recs []*kgo.Record) error

	// Tick runs after every poll, even an empty one. Returning ErrHalt
	// stops the lifecycle; any other error restarts the connection.
	Tick(ctx context.Context, now time.Time, committer Committer) error
}

// Lifecycle runs one consumer loop through the state machine
// Disconnected → Subscribed → Assigned ⇄ Unassigned → Restarting, with a
// terminal Stopped on shutdown.
type Lifecycle struct {
	cfg    Config
	name   string
	logger *slog.Logger

	state     atomic.Int64
	assigned  atomic.Int64
	onRestart func(error)
}

// NewLifecycle validates the config and creates a lifecycle runner.
// onRestart, if non-nil, is invoked once per connection restart with the
// error that forced it.
func NewLifecycle(name string, cfg Config, logger *slog.Logger, onRestart func(error)) (*Lifecycle, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("consumer %s: %w", name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	return &Lifecycle{
		cfg:       cfg,
		name:      name,
		logger:    logger.With("consumer", name),
		onRestart: onRestart,
	}, nil
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

func (l *Lifecycle) transition(in Input) State {
	prev := State(l.state.Load())
	next := Next(prev, in)
	if next != prev {
		l.state.Store(int64(next))
		l.logger.Debug("state transition", "from", prev.String(), "to", next.String())
	}
	return next
}

// Run drives the lifecycle until ctx is cancelled or the handler halts.
// Returns ErrHalt when the handler halted the pipeline, ctx.Err() on
// shutdown.
func (l *Lifecycle) Run(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			l.transition(InputShutdown)
			return ctx.Err()
		}

		err := l.runSession(ctx, h)
		switch {
		case errors.Is(err, ErrHalt):
			l.transition(InputShutdown)
			return ErrHalt
		case ctx.Err() != nil:
			l.transition(InputShutdown)
			return ctx.Err()
		}

		// Restart path: close happened in runSession, back off and retry.
		if l.onRestart != nil {
			l.onRestart(err)
		}
		if !l.sleepBackoff(ctx) {
			l.transition(InputShutdown)
			return ctx.Err()
		}
		l.transition(InputBackoffElapsed)
	}
}

func (l *Lifecycle) runSession(ctx context.Context, h Handler) error {
	client, err := l.connect()
	if err != nil {
		l.logger.Error("connect failed", "error", err)
		l.transition(InputFatalError)
		return fmt.Errorf("connect failed: %w", err)
	}
	defer func() {
		client.Close()
		l.assigned.Store(0)
		l.logger.Info("consumer closed")
	}()

	l.transition(InputConnected)
	l.logger.Info("consumer subscribed",
		"pattern", l.cfg.TopicPattern, "group", l.cfg.Group)

	h.SessionStart(time.Now())
	sess := &session{client: client}
	wd := watchdog{threshold: l.cfg.UnassignedRestart, since: time.Now()}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := time.Now()
		if l.assigned.Load() > 0 {
			l.transition(InputPartitionsAssigned)
			wd.observe(true, now)
		} else {
			l.transition(InputPartitionsLost)
			if wd.observe(false, now) {
				l.logger.Warn("no partition assignment past threshold, restarting",
					"threshold", l.cfg.UnassignedRestart)
				l.transition(InputWatchdogExpired)
				return fmt.Errorf("no partition assignment within %s", l.cfg.UnassignedRestart)
			}
		}

		fetches := sess.poll(ctx, l.cfg.PollTimeout)
		if fetches.IsClientClosed() {
			l.transition(InputFatalError)
			return errRestart
		}
		for _, fe := range fetches.Errors() {
			if benignFetchError(fe.Err) {
				continue
			}
			l.logger.Error("fetch error",
				"topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
		}

		recs := fetchRecords(fetches)
		if len(recs) > 0 {
			if err := h.HandleRecords(ctx, recs); err != nil {
				return l.handlerError(err)
			}
		}
		if err := h.Tick(ctx, time.Now(), sess); err != nil {
			return l.handlerError(err)
		}
	}
}

func (l *Lifecycle) handlerError(err error) error {
	if errors.Is(err, ErrHalt) {
		return err
	}
	l.logger.Error("handler error, restarting consumer", "error", err)
	l.transition(InputFatalError)
	return err
}

func (l *Lifecycle) connect() (*kgo.Client, error) {
	offset := kgo.NewOffset().AtEnd()
	if l.cfg.OffsetReset == "earliest" {
		offset = kgo.NewOffset().AtStart()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(l.cfg.Brokers...),
		kgo.ConsumerGroup(l.cfg.Group),
		kgo.ConsumeRegex(),
		kgo.ConsumeTopics(l.cfg.TopicPattern),
		kgo.ConsumeResetOffset(offset),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, parts map[string][]int32) {
			l.assigned.Add(countPartitions(parts))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, parts map[string][]int32) {
			l.assigned.Add(-countPartitions(parts))
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, parts map[string][]int32) {
			l.assigned.Add(-countPartitions(parts))
		}),
	}
	if !l.cfg.AutoCommit {
		opts = append(opts, kgo.DisableAutoCommit())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return client, nil
}

// sleepBackoff waits out the restart backoff, interruptible by shutdown.
// Returns false when ctx was cancelled.
func (l *Lifecycle) sleepBackoff(ctx context.Context) bool {
	if l.cfg.RestartBackoff <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(l.cfg.RestartBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// session adapts a connected client for handlers.
type session struct {
	client *kgo.Client
}

func (s *session) poll(ctx context.Context, timeout time.Duration) kgo.Fetches {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.client.PollFetches(pollCtx)
}

// Commit synchronously commits all polled-but-uncommitted offsets.
func (s *session) Commit(ctx context.Context) error {
	return s.client.CommitUncommittedOffsets(ctx)
}

func fetchRecords(fetches kgo.Fetches) []*kgo.Record {
	var recs []*kgo.Record
	iter := fetches.RecordIter()
	for !iter.Done() {
		recs = append(recs, iter.Next())
	}
	return recs
}

func countPartitions(parts map[string][]int32) int64 {
	var n int64
	for _, ps := range parts {
		n += int64(len(ps))
	}
	return n
}

// benignFetchError reports broker conditions that are expected during
// normal operation: poll timeouts, shutdown, and topics that the pattern
// will match once the producer creates them.
func benignFetchError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, kerr.UnknownTopicOrPartition) || errors.Is(err, kerr.UnknownTopicID) {
		return true
	}
	return false
}
