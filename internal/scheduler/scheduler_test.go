package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/takopi/schema"
)

func token(engine, value string) schema.ResumeToken {
	return schema.ResumeToken{Engine: schema.EngineID(engine), Value: value}
}

type recorder struct {
	mu     sync.Mutex
	order  []string
	starts map[string]time.Time
	ends   map[string]time.Time
}

func newRecorder() *recorder {
	return &recorder{starts: make(map[string]time.Time), ends: make(map[string]time.Time)}
}

func (r *recorder) run(hold time.Duration) RunJob {
	return func(_ context.Context, job Job) {
		r.mu.Lock()
		r.order = append(r.order, job.Text)
		r.starts[job.Text] = time.Now()
		r.mu.Unlock()
		time.Sleep(hold)
		r.mu.Lock()
		r.ends[job.Text] = time.Now()
		r.mu.Unlock()
	}
}

func TestSameThreadRunsFIFO(t *testing.T) {
	rec := newRecorder()
	s := New(context.Background(), rec.run(20*time.Millisecond))

	key := token("codex", "U")
	for _, text := range []string{"one", "two", "three"} {
		s.Enqueue(Job{Text: text, Resume: key})
	}
	s.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"one", "two", "three"}
	for i, text := range want {
		if rec.order[i] != text {
			t.Fatalf("FIFO violated: %v", rec.order)
		}
	}
	if rec.starts["two"].Before(rec.ends["one"]) {
		t.Fatalf("job two started before job one ended")
	}
	if rec.starts["three"].Before(rec.ends["two"]) {
		t.Fatalf("job three started before job two ended")
	}
}

func TestDistinctThreadsRunInParallel(t *testing.T) {
	rec := newRecorder()
	s := New(context.Background(), rec.run(100*time.Millisecond))

	s.Enqueue(Job{Text: "a", Resume: token("codex", "A")})
	s.Enqueue(Job{Text: "b", Resume: token("claude", "B")})
	s.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	gap := rec.starts["b"].Sub(rec.starts["a"])
	if gap < 0 {
		gap = -gap
	}
	if gap > 80*time.Millisecond {
		t.Fatalf("distinct threads did not start in parallel, gap %s", gap)
	}
}

func TestNoteThreadKnownBlocksQueuedResume(t *testing.T) {
	rec := newRecorder()
	s := New(context.Background(), rec.run(0))

	key := token("codex", "U")
	done := make(chan struct{})
	s.NoteThreadKnown(key, done)

	s.Enqueue(Job{Text: "queued", Resume: key})

	time.Sleep(50 * time.Millisecond)
	rec.mu.Lock()
	ran := len(rec.order)
	rec.mu.Unlock()
	if ran != 0 {
		t.Fatalf("queued job ran while the provisional run was in flight")
	}

	start := time.Now()
	close(done)
	s.Wait()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.order) != 1 || rec.order[0] != "queued" {
		t.Fatalf("queued job did not run after release: %v", rec.order)
	}
	if rec.starts["queued"].Before(start) {
		t.Fatalf("queued job started before the in-flight run finished")
	}
}

func TestNoteThreadKnownWithClosedChannelDoesNotBlock(t *testing.T) {
	rec := newRecorder()
	s := New(context.Background(), rec.run(0))

	key := token("codex", "U")
	done := make(chan struct{})
	close(done)
	s.NoteThreadKnown(key, done)

	s.Enqueue(Job{Text: "job", Resume: key})
	s.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.order) != 1 {
		t.Fatalf("job did not run: %v", rec.order)
	}
}

func TestWorkerExitsWhenIdle(t *testing.T) {
	rec := newRecorder()
	s := New(context.Background(), rec.run(0))

	key := token("codex", "U")
	s.Enqueue(Job{Text: "one", Resume: key})
	s.Wait()

	s.mu.Lock()
	_, active := s.active[key.ThreadKey()]
	_, pendingLeft := s.pending[key.ThreadKey()]
	s.mu.Unlock()
	if active || pendingLeft {
		t.Fatalf("idle worker left state behind: active=%v pending=%v", active, pendingLeft)
	}

	// A later job for the same key starts a fresh worker.
	s.Enqueue(Job{Text: "two", Resume: key})
	s.Wait()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.order) != 2 {
		t.Fatalf("second job did not run: %v", rec.order)
	}
}

func TestCancelledSchedulerStopsDraining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	s := New(ctx, rec.run(0))
	cancel()

	s.Enqueue(Job{Text: "late", Resume: token("codex", "U")})
	s.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.order) != 0 {
		t.Fatalf("job ran on a cancelled scheduler: %v", rec.order)
	}
}
