package schema

// EventFactory builds events bound to one engine. Adapters keep one per
// run so every emitted event carries the right engine id.
type EventFactory struct {
	Engine EngineID
}

// Started builds the run's Started event.
func (f EventFactory) Started(token ResumeToken, title string, meta map[string]any) Started {
	return Started{Engine: f.Engine, Resume: token, Title: title, Meta: meta}
}

// Action builds an action event for the given phase.
func (f EventFactory) Action(phase ActionPhase, action Action) ActionEvent {
	return ActionEvent{Engine: f.Engine, Action: action, Phase: phase}
}

// ActionStarted opens an action.
func (f EventFactory) ActionStarted(action Action) ActionEvent {
	return f.Action(PhaseStarted, action)
}

// ActionCompleted terminates an action with an outcome.
func (f EventFactory) ActionCompleted(action Action, ok bool) ActionEvent {
	return ActionEvent{Engine: f.Engine, Action: action, Phase: PhaseCompleted, OK: Bool(ok)}
}

// Warning emits a completed warning action.
func (f EventFactory) Warning(id, message string, detail map[string]any) ActionEvent {
	level := LevelWarning
	return ActionEvent{
		Engine:  f.Engine,
		Action:  Action{ID: id, Kind: ActionWarning, Title: message, Detail: detail},
		Phase:   PhaseCompleted,
		OK:      Bool(false),
		Message: message,
		Level:   level,
	}
}

// CompletedOK builds a successful terminal event.
func (f EventFactory) CompletedOK(answer string, resume *ResumeToken, usage map[string]any) Completed {
	return Completed{Engine: f.Engine, OK: true, Answer: answer, Resume: resume, Usage: usage}
}

// CompletedError builds a failed terminal event.
func (f EventFactory) CompletedError(errMsg, answer string, resume *ResumeToken) Completed {
	return Completed{Engine: f.Engine, OK: false, Answer: answer, Resume: resume, Error: errMsg}
}
