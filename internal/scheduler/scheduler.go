// Package scheduler serializes runs per engine thread: jobs with the
// same ThreadKey execute in strict FIFO submission order, one at a time,
// while distinct threads run in parallel. A run started without a resume
// token is adopted into its thread's queue once the adapter reveals the
// token mid-run.
package scheduler

import (
	"context"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/takopi/schema"
)

// Job is one queued resume run.
type Job struct {
	ChatID    int64
	UserMsgID int64
	Text      string
	Resume    schema.ResumeToken
	Context   *schema.RunContext
}

// RunJob executes one job to completion.
type RunJob func(ctx context.Context, job Job)

// Scheduler owns the per-thread queues and workers.
type Scheduler struct {
	ctx    context.Context
	runJob RunJob

	mu        sync.Mutex
	pending   map[string][]Job
	active    map[string]struct{}
	busyUntil map[string]<-chan struct{}

	wg sync.WaitGroup
}

// New builds a scheduler. Workers inherit ctx; cancelling it stops the
// drain loops after their current job.
func New(ctx context.Context, runJob RunJob) *Scheduler {
	return &Scheduler{
		ctx:       ctx,
		runJob:    runJob,
		pending:   make(map[string][]Job),
		active:    make(map[string]struct{}),
		busyUntil: make(map[string]<-chan struct{}),
	}
}

// NoteThreadKnown marks token's thread busy until done closes. The
// bridge calls this when a provisional run (no resume token at submit
// time) yields Started, so queued resumes for the discovered thread wait
// for the in-flight run instead of racing it.
func (s *Scheduler) NoteThreadKnown(token schema.ResumeToken, done <-chan struct{}) {
	key := token.ThreadKey()
	s.mu.Lock()
	current, ok := s.busyUntil[key]
	if !ok || closed(current) {
		s.busyUntil[key] = done
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-done:
		case <-s.ctx.Done():
			return
		}
		s.mu.Lock()
		if current, ok := s.busyUntil[key]; ok && sameChan(current, done) {
			delete(s.busyUntil, key)
		}
		s.mu.Unlock()
	}()
}

// Enqueue appends job to its thread queue and starts a worker for the
// key when none is draining it.
func (s *Scheduler) Enqueue(job Job) {
	key := job.Resume.ThreadKey()
	s.mu.Lock()
	s.pending[key] = append(s.pending[key], job)
	if _, running := s.active[key]; running {
		s.mu.Unlock()
		return
	}
	s.active[key] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drain(key)
	}()
}

// Wait blocks until every worker has exited. Used on shutdown.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) drain(key string) {
	log := pslog.Ctx(s.ctx)
	for {
		s.mu.Lock()
		busy := s.busyUntil[key]
		queue := s.pending[key]
		if len(queue) == 0 || s.ctx.Err() != nil {
			delete(s.pending, key)
			delete(s.active, key)
			s.mu.Unlock()
			return
		}
		job := queue[0]
		if len(queue) == 1 {
			delete(s.pending, key)
		} else {
			s.pending[key] = queue[1:]
		}
		s.mu.Unlock()

		if busy != nil && !closed(busy) {
			if log != nil {
				log.Debug("thread busy, queued job waiting", "key", key)
			}
			select {
			case <-busy:
			case <-s.ctx.Done():
				s.mu.Lock()
				delete(s.pending, key)
				delete(s.active, key)
				s.mu.Unlock()
				return
			}
		}
		s.runJob(s.ctx, job)
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func sameChan(a, b <-chan struct{}) bool { return a == b }
