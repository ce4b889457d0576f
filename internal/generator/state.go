package generator

// State is the shared context threaded through generation steps. Steps
// never mutate the state they receive; each returns a patch that is merged
// into a copy, so a failed step leaves the accumulated state intact.
type State map[string]any

// Clone returns a shallow copy.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a copy of s with patch applied on top.
func (s State) Merge(patch map[string]any) State {
	out := s.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// StringValue returns the string under key, or "".
func (s State) StringValue(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// MapValue returns the nested map under key, or nil.
func (s State) MapValue(key string) map[string]any {
	if v, ok := s[key].(map[string]any); ok {
		return v
	}
	return nil
}
