package bridge

import (
	"sync"

	"pkt.systems/takopi/schema"
)

// messageRef identifies one chat message; progress messages key the
// running-task table.
type messageRef struct {
	ChatID    int64
	MessageID int64
}

// runningTask is the live handle for one in-flight run, keyed by its
// progress message so /cancel replies and queued follow-ups can find it.
type runningTask struct {
	mu     sync.Mutex
	resume *schema.ResumeToken

	resumeReady chan struct{}
	cancelOnce  sync.Once
	cancelled   chan struct{}
	done        chan struct{}

	context *schema.RunContext
}

func newRunningTask(context *schema.RunContext) *runningTask {
	return &runningTask{
		resumeReady: make(chan struct{}),
		cancelled:   make(chan struct{}),
		done:        make(chan struct{}),
		context:     context,
	}
}

// setResume publishes the thread token once.
func (t *runningTask) setResume(token schema.ResumeToken) {
	t.mu.Lock()
	first := t.resume == nil
	if first {
		copied := token
		t.resume = &copied
	}
	t.mu.Unlock()
	if first {
		close(t.resumeReady)
	}
}

// Resume returns the token, or nil while unknown.
func (t *runningTask) Resume() *schema.ResumeToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resume == nil {
		return nil
	}
	copied := *t.resume
	return &copied
}

// Cancel requests cancellation. Idempotent.
func (t *runningTask) Cancel() {
	t.cancelOnce.Do(func() { close(t.cancelled) })
}

// taskTable maps progress messages to running tasks.
type taskTable struct {
	mu    sync.Mutex
	tasks map[messageRef]*runningTask
}

func newTaskTable() *taskTable {
	return &taskTable{tasks: make(map[messageRef]*runningTask)}
}

func (tt *taskTable) put(ref messageRef, task *runningTask) {
	tt.mu.Lock()
	tt.tasks[ref] = task
	tt.mu.Unlock()
}

func (tt *taskTable) get(ref messageRef) *runningTask {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.tasks[ref]
}

func (tt *taskTable) remove(ref messageRef) {
	tt.mu.Lock()
	delete(tt.tasks, ref)
	tt.mu.Unlock()
}
