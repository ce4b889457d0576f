package orchestrator

import "github.com/launchforge/engine/internal/models"

// forward is the fixed stage order. Sessions only move along this chain or
// jump to failed from a non-terminal stage.
var forward = map[string]string{
	models.SessionStarted:    models.SessionAnalyzing,
	models.SessionAnalyzing:  models.SessionGenerating,
	models.SessionGenerating: models.SessionUploading,
	models.SessionUploading:  models.SessionPRCreated,
	models.SessionPRCreated:  models.SessionCompleted,
}

// CanTransition reports whether from → to is a legal stage transition.
func CanTransition(from, to string) bool {
	if to == models.SessionFailed {
		return !models.SessionTerminal(from)
	}
	return forward[from] == to
}

// stepsTo returns the chain of stages from `from` (exclusive) to `to`
// (inclusive), or nil when `to` is not ahead of `from`.
func stepsTo(from, to string) []string {
	if from == to {
		return []string{}
	}
	var chain []string
	cur := from
	for {
		next, ok := forward[cur]
		if !ok {
			return nil
		}
		chain = append(chain, next)
		if next == to {
			return chain
		}
		cur = next
	}
}
