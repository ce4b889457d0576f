// Package logstream provides the durable append-only log and the
// best-effort real-time fan-out that observers subscribe to. The durable
// store is the source of truth; channel delivery may drop entries for slow
// consumers, who recover by replaying history and deduping on Seq.
package logstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	appErr "github.com/launchforge/engine/pkg/errors"
)

// Entry is one log event within a scope. Seq is assigned by the store on
// append and is strictly increasing and gapless within the scope.
type Entry struct {
	Scope     string    `json:"scope"`
	Seq       int64     `json:"seq"`
	Agent     string    `json:"agent,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionScope builds the scope key for a generation session.
func SessionScope(sessionID uuid.UUID) string {
	return "session/" + sessionID.String()
}

// OperationScope builds the scope key for one deployment operation on a project.
func OperationScope(projectID uuid.UUID, operationType string) string {
	return fmt.Sprintf("project/%s/%s", projectID, operationType)
}

// ParseSessionScope extracts the session id from a session scope key.
func ParseSessionScope(scope string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(scope, "session/")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// ParseOperationScope extracts project id and operation type from an
// operation scope key.
func ParseOperationScope(scope string) (uuid.UUID, string, bool) {
	rest, ok := strings.CutPrefix(scope, "project/")
	if !ok {
		return uuid.Nil, "", false
	}
	idStr, opType, ok := strings.Cut(rest, "/")
	if !ok {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, "", false
	}
	return id, opType, true
}

// Store is the durable side of the log.
type Store interface {
	// Append persists the entry and returns its sequence number.
	Append(ctx context.Context, e Entry) (int64, error)

	// ListSince returns entries with seq > after, in order.
	ListSince(ctx context.Context, scope string, after int64) ([]Entry, error)
}

// ErrUnknownScope is returned for scope keys that match no known shape.
var ErrUnknownScope = appErr.New(appErr.CodeInvalid, "unknown log scope")
