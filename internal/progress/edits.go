package progress

import (
	"context"
	"time"

	"pkt.systems/takopi/schema"
)

// editInterval is the minimum spacing between Telegram edits for one
// progress message.
const editInterval = time.Second

// EditFunc delivers one progress edit. It reports whether the transport
// accepted the edit; rejected edits are retried on the next render.
type EditFunc func(ctx context.Context, text string) bool

// Edits throttles progress-message updates: the producer signals on
// every display-changing event and never blocks; the worker renders at
// most once per second and skips edits whose rendering did not change.
type Edits struct {
	tracker *Tracker
	render  func(elapsed time.Duration) string
	edit    EditFunc

	started      time.Time
	clock        func() time.Time
	interval     time.Duration
	signal       chan struct{}
	lastRendered string
}

// NewEdits builds the edit loop for one progress message. lastRendered
// seeds change detection with the initially posted text.
func NewEdits(tracker *Tracker, render func(elapsed time.Duration) string, edit EditFunc, lastRendered string) *Edits {
	return &Edits{
		tracker:      tracker,
		render:       render,
		edit:         edit,
		started:      time.Now(),
		clock:        time.Now,
		interval:     editInterval,
		signal:       make(chan struct{}, 1),
		lastRendered: lastRendered,
	}
}

// OnEvent folds an event into the tracker and nudges the worker. Never
// blocks.
func (e *Edits) OnEvent(event schema.Event) {
	if !e.tracker.NoteEvent(event) {
		return
	}
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Run drains signals until ctx is cancelled. At most one edit per
// interval; identical renders are skipped.
func (e *Edits) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.signal:
		}

		text := e.render(e.clock().Sub(e.started))
		if text != e.lastRendered {
			if e.edit(ctx, text) {
				e.lastRendered = text
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.interval):
		}
	}
}
