package outbox

import (
	"context"
	"errors"

	"github.com/voipsms/smsd/internal/store"
	"go.uber.org/zap"
)

const queueSize = 64

// Outcome is delivered once a queued job has been processed.
type Outcome struct {
	Result *Result
	Err    error
}

type job struct {
	conv     store.ConversationID
	text     string
	resendID int64
	done     chan Outcome
}

// Start launches the worker that processes queued sends one at a time.
func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.jobs = make(chan job, queueSize)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.run(ctx, s.jobs, s.stopped)
	s.logger.Info("outbox worker started")
}

// Stop cancels the worker and waits for it to exit. Jobs still queued are
// answered with ErrNotRunning.
func (s *Sender) Stop() {
	s.mu.Lock()
	if s.jobs == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	stopped := s.stopped
	s.jobs = nil
	s.mu.Unlock()

	<-stopped
	s.logger.Info("outbox worker stopped")
}

// Enqueue queues text for asynchronous delivery. The returned channel
// receives exactly one Outcome.
func (s *Sender) Enqueue(conv store.ConversationID, text string) (<-chan Outcome, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	return s.enqueue(job{conv: conv, text: text})
}

// EnqueueResend queues a retry of a FAILED message.
func (s *Sender) EnqueueResend(id int64) (<-chan Outcome, error) {
	return s.enqueue(job{resendID: id})
}

func (s *Sender) enqueue(j job) (<-chan Outcome, error) {
	j.done = make(chan Outcome, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		return nil, ErrNotRunning
	}
	select {
	case s.jobs <- j:
		return j.done, nil
	default:
		return nil, errors.New("outbox queue is full")
	}
}

func (s *Sender) run(ctx context.Context, jobs chan job, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-ctx.Done():
			s.drain(jobs)
			return
		case j := <-jobs:
			var out Outcome
			if j.resendID != 0 {
				out.Result, out.Err = s.Resend(ctx, j.resendID)
			} else {
				out.Result, out.Err = s.SendText(ctx, j.conv, j.text)
			}
			if out.Err != nil {
				s.logger.Warn("queued send finished with errors", zap.Error(out.Err))
			}
			j.done <- out
		}
	}
}

func (s *Sender) drain(jobs chan job) {
	for {
		select {
		case j := <-jobs:
			j.done <- Outcome{Err: ErrNotRunning}
		default:
			return
		}
	}
}
