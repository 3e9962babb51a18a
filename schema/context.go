package schema

// RunContext pins a run to a project and optional branch worktree.
type RunContext struct {
	Project string
	Branch  string
}

// IsZero reports whether the context carries nothing.
func (c RunContext) IsZero() bool { return c.Project == "" && c.Branch == "" }
