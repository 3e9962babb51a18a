// Package progress tracks a run's actions, renders the progress and
// final messages, throttles Telegram edits, and guarantees that
// truncation never loses the resume line, status line, or ctx footer.
package progress

import (
	"sort"
	"sync"

	"pkt.systems/takopi/schema"
)

// ActionState is one action's latest observed state.
type ActionState struct {
	Action       schema.Action
	Phase        schema.ActionPhase
	OK           *bool
	DisplayPhase schema.ActionPhase
	Completed    bool

	firstSeen  int
	lastUpdate int
}

// State is an immutable tracker snapshot handed to the renderer.
type State struct {
	Engine      string
	ActionCount int
	Actions     []ActionState
	Resume      *schema.ResumeToken
	ResumeLine  string
	ContextLine string
}

// Tracker folds run events into per-action state. Events for a known
// action id replace the previous line; completed actions keep their last
// title. Turn markers and actions without ids are ignored.
type Tracker struct {
	mu          sync.Mutex
	engine      string
	resume      *schema.ResumeToken
	actionCount int
	actions     map[string]*ActionState
	seq         int
}

// NewTracker builds a tracker for one run.
func NewTracker(engine string) *Tracker {
	return &Tracker{engine: engine, actions: make(map[string]*ActionState)}
}

// NoteEvent folds one event in and reports whether the progress display
// changed.
func (t *Tracker) NoteEvent(event schema.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch event := event.(type) {
	case schema.Started:
		token := event.Resume
		t.resume = &token
		return true
	case schema.ActionEvent:
		if event.Action.Kind == schema.ActionTurn || event.Action.ID == "" {
			return false
		}
		completed := event.Phase == schema.PhaseCompleted
		existing := t.actions[event.Action.ID]
		hasOpen := existing != nil && !existing.Completed
		isUpdate := event.Phase == schema.PhaseUpdated ||
			(event.Phase == schema.PhaseStarted && hasOpen)
		displayPhase := event.Phase
		if isUpdate && !completed {
			displayPhase = schema.PhaseUpdated
		}

		t.seq++
		firstSeen := t.seq
		if existing != nil {
			firstSeen = existing.firstSeen
		} else {
			t.actionCount++
		}
		t.actions[event.Action.ID] = &ActionState{
			Action:       event.Action,
			Phase:        event.Phase,
			OK:           event.OK,
			DisplayPhase: displayPhase,
			Completed:    completed,
			firstSeen:    firstSeen,
			lastUpdate:   t.seq,
		}
		return true
	default:
		return false
	}
}

// SetResume pins the resume token when it is known out-of-band (e.g.
// from a Completed event).
func (t *Tracker) SetResume(resume *schema.ResumeToken) {
	if resume == nil {
		return
	}
	t.mu.Lock()
	token := *resume
	t.resume = &token
	t.mu.Unlock()
}

// Resume returns the known token, or nil.
func (t *Tracker) Resume() *schema.ResumeToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resume == nil {
		return nil
	}
	token := *t.resume
	return &token
}

// Snapshot captures the current state. resumeFormatter renders the
// footer resume line; contextLine is the ctx footer, empty when absent.
func (t *Tracker) Snapshot(resumeFormatter func(schema.ResumeToken) (string, error), contextLine string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	actions := make([]ActionState, 0, len(t.actions))
	for _, state := range t.actions {
		actions = append(actions, *state)
	}
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].firstSeen < actions[j].firstSeen
	})

	state := State{
		Engine:      t.engine,
		ActionCount: t.actionCount,
		Actions:     actions,
		ContextLine: contextLine,
	}
	if t.resume != nil {
		token := *t.resume
		state.Resume = &token
		if resumeFormatter != nil {
			if line, err := resumeFormatter(token); err == nil {
				state.ResumeLine = line
			}
		}
	}
	return state
}
