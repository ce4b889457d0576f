package logstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/launchforge/engine/internal/models"
	"github.com/launchforge/engine/internal/repository"
	appErr "github.com/launchforge/engine/pkg/errors"
	"gorm.io/gorm"
)

// DBStore persists session-scoped entries as agent_logs rows and
// operation-scoped entries inside the owning deployment_operations row.
type DBStore struct {
	db        *gorm.DB
	agentLogs repository.AgentLogRepository
}

func NewDBStore(db *gorm.DB, agentLogs repository.AgentLogRepository) *DBStore {
	return &DBStore{db: db, agentLogs: agentLogs}
}

var _ Store = (*DBStore)(nil)

func (s *DBStore) Append(ctx context.Context, e Entry) (int64, error) {
	if sessionID, ok := ParseSessionScope(e.Scope); ok {
		row := &models.AgentLog{
			SessionID: sessionID,
			Agent:     e.Agent,
			Stage:     e.Stage,
			Content:   e.Content,
			Timestamp: e.Timestamp,
		}
		return s.agentLogs.Append(ctx, row)
	}

	if projectID, opType, ok := ParseOperationScope(e.Scope); ok {
		// Append and read back the new length in one statement, so the
		// returned seq matches the line's position even under concurrency.
		// The status guard keeps stragglers out: once a run is resolved its
		// log array is frozen.
		var seq int64
		err := s.db.WithContext(ctx).Raw(`
			UPDATE deployment_operations
			SET logs = logs || to_jsonb(?::text), updated_at = ?
			WHERE project_id = ? AND operation_type = ? AND status = 'running'
			RETURNING jsonb_array_length(logs)`,
			e.Content, time.Now().UTC(), projectID, opType).Scan(&seq).Error
		if err != nil {
			return 0, appErr.Wrap(err, appErr.CodeInternal, "append operation log failed")
		}
		if seq == 0 {
			return 0, appErr.New(appErr.CodeNotFound, "operation not running")
		}
		return seq, nil
	}

	return 0, ErrUnknownScope
}

func (s *DBStore) ListSince(ctx context.Context, scope string, after int64) ([]Entry, error) {
	if sessionID, ok := ParseSessionScope(scope); ok {
		rows, err := s.agentLogs.ListSince(ctx, sessionID, after)
		if err != nil {
			return nil, err
		}
		out := make([]Entry, 0, len(rows))
		for _, r := range rows {
			out = append(out, Entry{
				Scope:     scope,
				Seq:       r.Seq,
				Agent:     r.Agent,
				Stage:     r.Stage,
				Content:   r.Content,
				Timestamp: r.Timestamp,
			})
		}
		return out, nil
	}

	if projectID, opType, ok := ParseOperationScope(scope); ok {
		var op models.DeploymentOperation
		err := s.db.WithContext(ctx).
			Where("project_id = ? AND operation_type = ?", projectID, opType).
			First(&op).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, nil
			}
			return nil, appErr.Wrap(err, appErr.CodeInternal, "load operation logs failed")
		}
		var lines []string
		if len(op.Logs) > 0 {
			if err := json.Unmarshal(op.Logs, &lines); err != nil {
				return nil, appErr.Wrap(err, appErr.CodeInternal, "decode operation logs failed")
			}
		}
		out := make([]Entry, 0)
		for i, line := range lines {
			seq := int64(i + 1)
			if seq <= after {
				continue
			}
			out = append(out, Entry{Scope: scope, Seq: seq, Content: line, Timestamp: op.UpdatedAt})
		}
		return out, nil
	}

	return nil, ErrUnknownScope
}
