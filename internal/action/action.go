package action

// Action is one step of the desktop action DSL the provider emits while
// reasoning: create a window, set its content, close it, and so on. The
// orchestrator records completed sequences for replay.
type Action struct {
	Type   string         `json:"type"`
	Target string         `json:"target,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

const (
	TypeWindowCreate = "window.create"
	TypeWindowUpdate = "window.update"
	TypeWindowClose  = "window.close"
	TypeNotify       = "notify"
)

func (a Action) IsWindowCreate() bool {
	return a.Type == TypeWindowCreate
}

// TargetWindows returns the window ids a sequence depends on at replay time:
// every targeted window that the sequence does not itself create.
func TargetWindows(actions []Action) []string {
	created := map[string]struct{}{}
	seen := map[string]struct{}{}
	var out []string
	for _, a := range actions {
		if a.IsWindowCreate() && a.Target != "" {
			created[a.Target] = struct{}{}
			continue
		}
		if a.Target == "" {
			continue
		}
		if _, ok := created[a.Target]; ok {
			continue
		}
		if _, ok := seen[a.Target]; ok {
			continue
		}
		seen[a.Target] = struct{}{}
		out = append(out, a.Target)
	}
	return out
}
