package expr

// WorkflowInfo identifies the running instance for $workflow.
type WorkflowInfo struct {
	ID      string
	Name    string
	Version string
}

// TaskInfo identifies the evaluating node for $task.
type TaskInfo struct {
	Name     string
	Position string
}

// RuntimeInfo identifies the engine for $runtime.
type RuntimeInfo struct {
	Name    string
	Version string
}

// BaseScope assembles the variable set every hook evaluation starts from.
// Hooks layer input/output bindings on top with With.
func BaseScope(wf WorkflowInfo, task TaskInfo, rt RuntimeInfo, context any, secrets map[string]string) Scope {
	sec := make(map[string]any, len(secrets))
	for k, v := range secrets {
		sec[k] = v
	}
	if context == nil {
		context = map[string]any{}
	}
	return Scope{
		"workflow": map[string]any{
			"id": wf.ID,
			"definition": map[string]any{
				"name":    wf.Name,
				"version": wf.Version,
			},
		},
		"task": map[string]any{
			"name":     task.Name,
			"position": task.Position,
		},
		"runtime": map[string]any{
			"name":    rt.Name,
			"version": rt.Version,
		},
		"context": context,
		"secrets": sec,
	}
}
