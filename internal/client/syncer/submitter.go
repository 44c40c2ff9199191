package syncer

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Gate reports whether outbound calls are authorized.
type Gate interface {
	NetworkReady() bool
}

type submitTask struct {
	collection string
	tempID     string
}

// Submitter runs opportunistic single-record submissions on a background
// worker. Enqueue never blocks; results are published on Done.
type Submitter struct {
	resolver *Resolver
	gate     Gate
	log      *zap.Logger

	tasks chan submitTask
	done  chan Outcome

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewSubmitter returns a stopped submitter holding up to buffer tasks.
func NewSubmitter(resolver *Resolver, gate Gate, buffer int, log *zap.Logger) *Submitter {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{
		resolver: resolver,
		gate:     gate,
		log:      log,
		tasks:    make(chan submitTask, buffer),
		done:     make(chan Outcome, buffer),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker. It returns when ctx is done or Close is called.
func (s *Submitter) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Enqueue schedules tempID for submission. It reports false when the
// network is not ready or the task buffer is full; the record simply stays
// pending for the next sync.
func (s *Submitter) Enqueue(collection, tempID string) bool {
	if s.gate != nil && !s.gate.NetworkReady() {
		return false
	}
	select {
	case s.tasks <- submitTask{collection: collection, tempID: tempID}:
		return true
	default:
		s.log.Warn("submit queue full", zap.String("temp_id", tempID))
		return false
	}
}

// Done delivers the outcome of every processed task. Outcomes are dropped
// when nobody keeps up with the channel.
func (s *Submitter) Done() <-chan Outcome { return s.done }

// Close stops the worker and waits for it.
func (s *Submitter) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Submitter) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case t := <-s.tasks:
			s.process(ctx, t)
		}
	}
}

func (s *Submitter) process(ctx context.Context, t submitTask) {
	if s.gate != nil && !s.gate.NetworkReady() {
		return
	}
	out, err := s.resolver.SubmitOne(ctx, t.collection, t.tempID)
	if err != nil {
		s.log.Debug("background submit skipped",
			zap.String("collection", t.collection), zap.String("temp_id", t.tempID), zap.Error(err))
		out = Outcome{Collection: t.collection, TempID: t.tempID, State: StateFailed, Err: err}
	}
	select {
	case s.done <- out:
	default:
	}
}
