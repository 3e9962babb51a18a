package core

import (
	"context"

	"pkt.systems/takopi/schema"
)

// Runner is the engine adapter protocol. A Runner wraps one coding-agent
// CLI and exposes normalized events plus the engine's resume-line codec.
type Runner interface {
	// Engine returns the adapter's engine id.
	Engine() schema.EngineID

	// Run starts one engine invocation. The returned stream is lazy,
	// finite, and non-restartable. After a Started event has been
	// yielded, failures surface as Completed{OK:false} on the stream,
	// never as out-of-band errors. A stream that ends before Started
	// with no Completed means the run never got off the ground; the
	// bridge synthesizes the error message.
	Run(ctx context.Context, prompt string, resume *schema.ResumeToken) (EventStream, error)

	// FormatResume renders the canonical CLI resume line for token.
	// Fails when token.Engine does not match the adapter.
	FormatResume(token schema.ResumeToken) (string, error)

	// ExtractResume scans text for the adapter's resume line. The last
	// match wins; nil when there is no confident match.
	ExtractResume(text string) *schema.ResumeToken

	// IsResumeLine reports whether line is this adapter's resume line.
	// Used by the truncator, so it must be cheap.
	IsResumeLine(line string) bool
}

// EventStream yields normalized events from a run. Next returns io.EOF
// after the final event.
type EventStream interface {
	Next(ctx context.Context) (schema.Event, error)
	Close() error
}
