package orchestrator

import (
	"sort"
	"sync"

	"github.com/flitsinc/deskd/internal/reloadcache"
)

// Window is one open desktop window. GroupID ties a window to the session of
// the window that created it: children created by a window agent join their
// creator's group and share its provider thread.
type Window struct {
	ID       string `json:"id"`
	Renderer string `json:"renderer,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	GroupID  string `json:"group_id"`
}

// Registry tracks open windows and their agent grouping.
type Registry struct {
	mu      sync.Mutex
	windows map[string]Window
}

func NewRegistry() *Registry {
	return &Registry{windows: map[string]Window{}}
}

// Register adds a window. A window with a registered parent inherits the
// parent's group; otherwise it founds its own group.
func (r *Registry) Register(w Window) Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.GroupID == "" {
		w.GroupID = w.ID
		if parent, ok := r.windows[w.ParentID]; ok {
			w.GroupID = parent.GroupID
		}
	}
	r.windows[w.ID] = w
	return w
}

func (r *Registry) Get(id string) (Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[id]
	return w, ok
}

// GroupOf returns the routing group for a window id. An unregistered window
// routes under its own id.
func (r *Registry) GroupOf(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[id]; ok {
		return w.GroupID
	}
	return id
}

// Close removes the window and reports whether it was the last one of its
// group, which is when its agent session gets disposed.
func (r *Registry) Close(id string) (Window, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[id]
	if !ok {
		return Window{}, false, false
	}
	delete(r.windows, id)
	for _, other := range r.windows {
		if other.GroupID == w.GroupID {
			return w, true, false
		}
	}
	return w, true, true
}

// Snapshot returns the open windows as fingerprint references, sorted by id
// for deterministic hashing.
func (r *Registry) Snapshot() []reloadcache.WindowRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]reloadcache.WindowRef, 0, len(r.windows))
	for _, w := range r.windows {
		refs = append(refs, reloadcache.WindowRef{ID: w.ID, Renderer: w.Renderer})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// OpenIDs returns the ids of all open windows.
func (r *Registry) OpenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.windows))
	for id := range r.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
