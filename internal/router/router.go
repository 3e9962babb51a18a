// Package router decodes incoming chat messages (leading directives,
// ctx footers, embedded resume lines) and selects the adapter and run
// context for a job.
package router

import (
	"fmt"
	"strings"

	"pkt.systems/takopi/core"
	"pkt.systems/takopi/internal/appconfig"
	"pkt.systems/takopi/schema"
)

// Entry is one registered adapter, in registry order (configured default
// first).
type Entry struct {
	Runner    core.Runner
	Available bool
	// Issue explains why the adapter is unavailable (CLI missing).
	Issue string
}

// Engine returns the entry's engine id.
func (e Entry) Engine() schema.EngineID { return e.Runner.Engine() }

// RouteError is a user-visible routing problem; the bridge reports it to
// the chat and creates no job.
type RouteError struct {
	Message string
}

func (e *RouteError) Error() string { return e.Message }

func routeErrorf(format string, args ...any) *RouteError {
	return &RouteError{Message: fmt.Sprintf(format, args...)}
}

// Router resolves messages against the adapter registry and project
// table.
type Router struct {
	entries       []Entry
	defaultEngine schema.EngineID
	projects      map[string]appconfig.ProjectConfig
	defaultProj   string
}

// New builds a router. Entries keep their order; the configured default
// engine must be among them.
func New(entries []Entry, defaultEngine schema.EngineID, projects map[string]appconfig.ProjectConfig, defaultProject string) (*Router, error) {
	router := &Router{
		entries:       entries,
		defaultEngine: defaultEngine,
		projects:      projects,
		defaultProj:   defaultProject,
	}
	if _, err := router.EntryFor(defaultEngine); err != nil {
		return nil, err
	}
	return router, nil
}

// Entries returns the registry in order.
func (r *Router) Entries() []Entry { return r.entries }

// AvailableEntries returns the adapters whose CLI was found at startup.
func (r *Router) AvailableEntries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.Available {
			out = append(out, entry)
		}
	}
	return out
}

// EngineIDs returns every registered engine id in order.
func (r *Router) EngineIDs() []schema.EngineID {
	out := make([]schema.EngineID, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.Engine())
	}
	return out
}

// DefaultEngine returns the current default engine id.
func (r *Router) DefaultEngine() schema.EngineID { return r.defaultEngine }

// SetDefaultEngine changes the default; the engine must be registered.
func (r *Router) SetDefaultEngine(engine schema.EngineID) error {
	if _, err := r.EntryFor(engine); err != nil {
		return err
	}
	r.defaultEngine = engine
	return nil
}

// EntryFor finds the registry entry for an engine id.
func (r *Router) EntryFor(engine schema.EngineID) (Entry, error) {
	for _, entry := range r.entries {
		if entry.Engine() == engine {
			return entry, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %q", schema.ErrUnknownEngine, engine)
}

// EntryForToken finds the adapter owning a resume token.
func (r *Router) EntryForToken(token schema.ResumeToken) (Entry, error) {
	return r.EntryFor(token.Engine)
}

// ResolveResume scans text then replyText for a resume line, asking each
// adapter in registry order. The first adapter with a match wins; within
// one adapter's scan, the last matching line wins.
func (r *Router) ResolveResume(text, replyText string) *schema.ResumeToken {
	for _, source := range []string{text, replyText} {
		if source == "" {
			continue
		}
		for _, entry := range r.entries {
			if token := entry.Runner.ExtractResume(source); token != nil {
				return token
			}
		}
	}
	return nil
}

// IsResumeLine reports whether any registered adapter claims the line.
// The truncator and prompt stripper use it.
func (r *Router) IsResumeLine(line string) bool {
	for _, entry := range r.entries {
		if entry.Runner.IsResumeLine(line) {
			return true
		}
	}
	return false
}

// Resolved is the routing outcome for one message.
type Resolved struct {
	Prompt string
	Resume *schema.ResumeToken
	// EngineOverride is empty when the default applies.
	EngineOverride schema.EngineID
	Context        *schema.RunContext
}

// Resolve decodes a message per the routing rules: directives parse off
// the first non-empty line; a reply ctx footer overrides the text's
// project/branch; a resume line overrides everything, including /engine.
func (r *Router) Resolve(text, replyText string) (Resolved, error) {
	directives, err := r.parseDirectives(text)
	if err != nil {
		return Resolved{}, err
	}
	replyCtx, err := r.parseCtxLine(replyText)
	if err != nil {
		return Resolved{}, err
	}
	resume := r.ResolveResume(directives.prompt, replyText)

	if resume != nil {
		return Resolved{
			Prompt:  directives.prompt,
			Resume:  resume,
			Context: replyCtx,
		}, nil
	}

	if replyCtx != nil {
		var engineOverride schema.EngineID
		if project, ok := r.projects[replyCtx.Project]; ok && project.DefaultEngine != "" {
			engineOverride = schema.EngineID(project.DefaultEngine)
		}
		return Resolved{
			Prompt:         directives.prompt,
			EngineOverride: engineOverride,
			Context:        replyCtx,
		}, nil
	}

	projectKey := directives.project
	if projectKey == "" && r.defaultProj != "" {
		projectKey = r.defaultProj
	}

	var context *schema.RunContext
	if projectKey != "" || directives.branch != "" {
		context = &schema.RunContext{Project: projectKey, Branch: directives.branch}
	}

	engineOverride := directives.engine
	if engineOverride == "" && projectKey != "" {
		if project, ok := r.projects[projectKey]; ok && project.DefaultEngine != "" {
			engineOverride = schema.EngineID(project.DefaultEngine)
		}
	}

	return Resolved{
		Prompt:         directives.prompt,
		EngineOverride: engineOverride,
		Context:        context,
	}, nil
}

type parsedDirectives struct {
	prompt  string
	engine  schema.EngineID
	project string
	branch  string
}

// parseDirectives consumes /engine, /project, and @branch tokens from
// the first non-empty line until the first non-directive token.
// Duplicates of a directive class are errors.
func (r *Router) parseDirectives(text string) (parsedDirectives, error) {
	out := parsedDirectives{prompt: strings.TrimSpace(text)}
	if text == "" {
		return out, nil
	}

	lines := strings.Split(text, "\n")
	idx := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return out, nil
	}

	engineMap := make(map[string]schema.EngineID, len(r.entries))
	for _, entry := range r.entries {
		engineMap[strings.ToLower(string(entry.Engine()))] = entry.Engine()
	}

	tokens := strings.Fields(lines[idx])
	consumed := 0
	for _, token := range tokens {
		if strings.HasPrefix(token, "/") {
			name := token[1:]
			if at := strings.IndexByte(name, '@'); at >= 0 {
				name = name[:at]
			}
			if name == "" {
				break
			}
			key := strings.ToLower(name)
			if engine, ok := engineMap[key]; ok {
				if out.engine != "" {
					return out, routeErrorf("multiple engine directives")
				}
				out.engine = engine
				consumed++
				continue
			}
			if _, ok := r.projects[key]; ok {
				if out.project != "" {
					return out, routeErrorf("multiple project directives")
				}
				out.project = key
				consumed++
				continue
			}
			break
		}
		if strings.HasPrefix(token, "@") {
			value := token[1:]
			if value == "" {
				break
			}
			if out.branch != "" {
				return out, routeErrorf("multiple @branch directives")
			}
			if err := validateBranch(value); err != nil {
				return out, err
			}
			out.branch = value
			consumed++
			continue
		}
		break
	}

	if consumed == 0 {
		return out, nil
	}
	if consumed < len(tokens) {
		lines[idx] = strings.Join(tokens[consumed:], " ")
	} else {
		lines = append(lines[:idx], lines[idx+1:]...)
	}
	out.prompt = strings.TrimSpace(strings.Join(lines, "\n"))
	return out, nil
}

// validateBranch rejects branch names that could escape the worktrees
// root.
func validateBranch(branch string) error {
	if strings.HasPrefix(branch, "/") {
		return routeErrorf("invalid branch %q: absolute paths are not allowed", branch)
	}
	for _, part := range strings.Split(branch, "/") {
		if part == ".." {
			return routeErrorf("invalid branch %q: path traversal is not allowed", branch)
		}
	}
	return nil
}

// parseCtxLine scans a reply for the inline-code `ctx: project [@
// branch]` footer the bridge stamps on bot messages. The last ctx line
// wins. Unknown projects are routing errors.
func (r *Router) parseCtxLine(text string) (*schema.RunContext, error) {
	if text == "" {
		return nil, nil
	}
	var ctx *schema.RunContext
	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		stripped = strings.TrimPrefix(stripped, "`")
		stripped = strings.TrimSuffix(stripped, "`")
		stripped = strings.TrimSpace(stripped)
		if !strings.HasPrefix(strings.ToLower(stripped), "ctx:") {
			continue
		}
		content := strings.TrimSpace(stripped[len("ctx:"):])
		if content == "" {
			continue
		}
		tokens := strings.Fields(content)
		project := strings.ToLower(tokens[0])
		branch := ""
		if len(tokens) >= 3 && tokens[1] == "@" {
			branch = tokens[2]
		} else if len(tokens) >= 2 && strings.HasPrefix(tokens[1], "@") {
			branch = tokens[1][1:]
		}
		if _, ok := r.projects[project]; !ok {
			return nil, routeErrorf("unknown project %q in ctx line", tokens[0])
		}
		ctx = &schema.RunContext{Project: project, Branch: branch}
	}
	return ctx, nil
}

// FormatContextLine renders the ctx footer for a run context, or ""
// when there is nothing to pin.
func (r *Router) FormatContextLine(context *schema.RunContext) string {
	if context == nil || context.Project == "" {
		return ""
	}
	alias := context.Project
	if project, ok := r.projects[context.Project]; ok && project.Alias != "" {
		alias = project.Alias
	}
	if context.Branch != "" {
		return fmt.Sprintf("`ctx: %s @ %s`", alias, context.Branch)
	}
	return fmt.Sprintf("`ctx: %s`", alias)
}

// StripResumeLines removes every registered resume line from a prompt;
// an emptied prompt becomes "continue" so the engine still gets a turn.
func (r *Router) StripResumeLines(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if r.IsResumeLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	prompt := strings.TrimSpace(strings.Join(kept, "\n"))
	if prompt == "" {
		return "continue"
	}
	return prompt
}
