package schema

import "errors"

// ErrEmptyPrompt is returned when a run is requested with no prompt text.
var ErrEmptyPrompt = errors.New("prompt is empty")

// ErrEngineMismatch is returned when a resume token is handed to an
// adapter for a different engine.
var ErrEngineMismatch = errors.New("resume token is for a different engine")

// ErrUnknownEngine is returned when no registered adapter matches an id.
var ErrUnknownEngine = errors.New("unknown engine")

// ErrUnknownProject is returned when a directive or ctx line names a
// project that is not configured.
var ErrUnknownProject = errors.New("unknown project")
