package shard

import "sync"

// ReadyState holds the shard's current synthetic ready snapshot. Written only
// by the session loop, read by subscriber-attach handlers; readers always see
// either the previous value or the new one, never a partial write.
type ReadyState struct {
	mu   sync.RWMutex
	body map[string]any
}

// SetReady replaces the snapshot unconditionally. Repeated writes of
// equivalent content are harmless.
func (r *ReadyState) SetReady(body map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.body = body
}

// SetNotReady clears the snapshot. Used after a non-resumable invalidation,
// when the next session will carry fresh entity state.
func (r *ReadyState) SetNotReady() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.body = nil
}

// Snapshot returns a deep copy of the current snapshot, or false when none is
// published. The copy is the caller's to mutate.
func (r *ReadyState) Snapshot() (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.body == nil {
		return nil, false
	}
	return deepCopyMap(r.body), true
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return t
	}
}
