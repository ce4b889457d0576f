// Package orchestrator drives a generation session through its fixed stage
// sequence, persisting progress on every transition so a crashed run can be
// resumed from the last durable stage.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/generator"
	"github.com/launchforge/engine/internal/logstream"
	"github.com/launchforge/engine/internal/models"
	"github.com/launchforge/engine/internal/repofetch"
	"github.com/launchforge/engine/internal/repository"
	appErr "github.com/launchforge/engine/pkg/errors"
	"github.com/launchforge/engine/pkg/logger"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const producerIdentity = "orchestrator"

// ChangeRequestOpener opens a change request carrying the generated
// artifacts. Source-control specifics live behind this interface.
type ChangeRequestOpener interface {
	OpenChangeRequest(ctx context.Context, session *models.GenerationSession, files []models.ProducedFile) (url string, err error)
}

// NopOpener records that no change request was opened. Used when no
// source-control integration is configured.
type NopOpener struct{}

func (NopOpener) OpenChangeRequest(ctx context.Context, session *models.GenerationSession, files []models.ProducedFile) (string, error) {
	return "", nil
}

// Fetcher materializes a repository for analysis.
type Fetcher interface {
	Clone(ctx context.Context, repoURL, token string) (*repofetch.Checkout, error)
}

// Orchestrator owns the session state machine. One instance serves all
// sessions; sessions are independent and never lock across each other.
type Orchestrator struct {
	sessions repository.SessionRepository
	workflow repository.WorkflowLogRepository
	logs     *logstream.Streamer
	fetcher  Fetcher
	analyze  generator.Step
	generate *generator.Pipeline
	opener   ChangeRequestOpener
}

func New(
	sessions repository.SessionRepository,
	workflow repository.WorkflowLogRepository,
	logs *logstream.Streamer,
	fetcher Fetcher,
	producer generator.ContentProducer,
	opener ChangeRequestOpener,
) *Orchestrator {
	if opener == nil {
		opener = NopOpener{}
	}
	return &Orchestrator{
		sessions: sessions,
		workflow: workflow,
		logs:     logs,
		fetcher:  fetcher,
		analyze:  generator.NewAnalyzeStep(producer),
		generate: generator.NewPipeline(
			generator.NewDockerfileStep(producer),
			generator.NewTerraformStep(producer),
		),
		opener: opener,
	}
}

// Run drives the session forward from whatever stage is durably recorded.
// Calling it on a fresh session runs the whole pipeline; calling it after a
// crash resumes from the first incomplete stage. Completed stages are never
// replayed.
func (o *Orchestrator) Run(ctx context.Context, sessionID uuid.UUID) error {
	var sess models.GenerationSession
	if err := o.sessions.GetByID(ctx, sessionID, &sess); err != nil {
		return err
	}
	if models.SessionTerminal(sess.StageStatus) {
		logger.L().Info("session already terminal",
			zap.String("session_id", sessionID.String()),
			zap.String("stage_status", sess.StageStatus),
		)
		return nil
	}

	done, err := o.stageOutcomes(ctx, sessionID)
	if err != nil {
		return err
	}

	state := loadState(&sess)
	files := loadFiles(&sess)

	// Analysis.
	if done[models.StageAnalyze] != models.StageSuccess {
		if err := o.advanceTo(ctx, &sess, models.SessionAnalyzing); err != nil {
			return o.fail(ctx, &sess, err)
		}
		err := o.runStage(ctx, &sess, models.StageAnalyze, func(ctx context.Context) error {
			checkout, err := o.fetcher.Clone(ctx, sess.RepositoryURL, "")
			if err != nil {
				return err
			}
			defer func() {
				if err := checkout.Remove(); err != nil {
					logger.L().Warn("remove checkout failed", zap.Error(err))
				}
			}()

			res, err := o.analyze.Run(ctx, generator.Input{
				Checkout: checkout,
				Provider: sess.CloudProvider,
				State:    state,
			}, o.emitter(ctx, sess.ID))
			if err != nil {
				return err
			}
			state = state.Merge(res.StatePatch)
			return o.persistState(ctx, &sess, state, nil)
		})
		if err != nil {
			return o.fail(ctx, &sess, err)
		}
	}

	// Artifact generation. A success marker without persisted artifacts
	// means the previous run crashed mid-persist; regenerate.
	if done[models.StageGenerate] != models.StageSuccess || len(files) == 0 {
		if err := o.advanceTo(ctx, &sess, models.SessionGenerating); err != nil {
			return o.fail(ctx, &sess, err)
		}
		err := o.runStage(ctx, &sess, models.StageGenerate, func(ctx context.Context) error {
			newState, newFiles, err := o.generate.Run(ctx, nil, sess.CloudProvider, state, o.emitter(ctx, sess.ID))
			if err != nil {
				return err
			}
			state = newState
			files = newFiles
			return o.persistState(ctx, &sess, state, nil)
		})
		if err != nil {
			return o.fail(ctx, &sess, err)
		}
	}

	// Artifact publication: the previous artifact set is discarded
	// wholesale so artifacts from different runs or providers never mix.
	if done[models.StageUpload] != models.StageSuccess {
		if err := o.advanceTo(ctx, &sess, models.SessionUploading); err != nil {
			return o.fail(ctx, &sess, err)
		}
		err := o.runStage(ctx, &sess, models.StageUpload, func(ctx context.Context) error {
			if err := o.persistState(ctx, &sess, state, files); err != nil {
				return err
			}
			o.emit(ctx, sess.ID, models.StageUpload, fmt.Sprintf("stored %d artifacts", len(files)))
			return nil
		})
		if err != nil {
			return o.fail(ctx, &sess, err)
		}
	}

	// Change request and completion.
	if done[models.StageComplete] != models.StageSuccess {
		if err := o.advanceTo(ctx, &sess, models.SessionPRCreated); err != nil {
			return o.fail(ctx, &sess, err)
		}
		err := o.runStage(ctx, &sess, models.StageComplete, func(ctx context.Context) error {
			url, err := o.opener.OpenChangeRequest(ctx, &sess, files)
			if err != nil {
				return err
			}
			if url != "" {
				state = state.Merge(map[string]any{"change_request_url": url})
				if err := o.persistState(ctx, &sess, state, nil); err != nil {
					return err
				}
				o.emit(ctx, sess.ID, models.StageComplete, "change request opened: "+url)
			}
			return nil
		})
		if err != nil {
			return o.fail(ctx, &sess, err)
		}
	}

	if err := o.advanceTo(ctx, &sess, models.SessionCompleted); err != nil {
		return o.fail(ctx, &sess, err)
	}
	o.emit(ctx, sess.ID, models.StageComplete, "session completed")
	return nil
}

// stageOutcomes maps each workflow stage to its last recorded status.
func (o *Orchestrator) stageOutcomes(ctx context.Context, sessionID uuid.UUID) (map[string]string, error) {
	rows, err := o.workflow.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Stage] = row.Status
	}
	return out, nil
}

// advanceTo walks the session forward through the legal chain up to target,
// persisting each transition. Already being at or past target is a no-op.
func (o *Orchestrator) advanceTo(ctx context.Context, sess *models.GenerationSession, target string) error {
	if sess.StageStatus == target {
		return nil
	}
	chain := stepsTo(sess.StageStatus, target)
	if chain == nil {
		// Target is behind the current stage; stages never move backward.
		return nil
	}
	for _, next := range chain {
		if !CanTransition(sess.StageStatus, next) {
			return appErr.Newf(appErr.CodeInternal, "illegal stage transition %s -> %s", sess.StageStatus, next)
		}
		if err := o.sessions.UpdateStage(ctx, sess.ID, next); err != nil {
			return err
		}
		sess.StageStatus = next
		o.emit(ctx, sess.ID, stageFor(next), "entered "+next)
	}
	return nil
}

// runStage brackets stage work with the workflow log upsert: running on
// entry, success or error with the measured duration on exit.
func (o *Orchestrator) runStage(ctx context.Context, sess *models.GenerationSession, stage string, fn func(context.Context) error) error {
	started := time.Now()
	if err := o.workflow.Upsert(ctx, sess.ID, stage, models.StageRunning, 0); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if upsertErr := o.workflow.Upsert(ctx, sess.ID, stage, models.StageError, time.Since(started)); upsertErr != nil {
			logger.L().Warn("record stage failure failed", zap.Error(upsertErr))
		}
		return err
	}
	return o.workflow.Upsert(ctx, sess.ID, stage, models.StageSuccess, time.Since(started))
}

// fail transitions the session to failed with the error recorded, then
// returns the original error.
func (o *Orchestrator) fail(ctx context.Context, sess *models.GenerationSession, cause error) error {
	if err := o.sessions.MarkFailed(ctx, sess.ID, appErr.MessageOf(cause)); err != nil {
		logger.L().Error("mark session failed failed",
			zap.String("session_id", sess.ID.String()), zap.Error(err))
	}
	sess.StageStatus = models.SessionFailed
	o.emit(ctx, sess.ID, models.StageComplete, "session failed: "+appErr.MessageOf(cause))
	logger.L().Error("session failed",
		zap.String("session_id", sess.ID.String()),
		zap.Error(cause),
	)
	return cause
}

func (o *Orchestrator) persistState(ctx context.Context, sess *models.GenerationSession, state generator.State, files []models.ProducedFile) error {
	var projectContext, sharedState, producedFiles datatypes.JSON
	if pc := state.MapValue("project_context"); pc != nil {
		if b, err := json.Marshal(pc); err == nil {
			projectContext = b
		}
	}
	if b, err := json.Marshal(state); err == nil {
		sharedState = b
	}
	if files != nil {
		b, err := json.Marshal(files)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "encode produced files failed")
		}
		producedFiles = b
	}
	return o.sessions.SaveGenerationResults(ctx, sess.ID, projectContext, sharedState, producedFiles)
}

func (o *Orchestrator) emitter(ctx context.Context, sessionID uuid.UUID) generator.Emitter {
	return func(agent, stage, content string) {
		_, err := o.logs.Append(ctx, logstream.Entry{
			Scope:     logstream.SessionScope(sessionID),
			Agent:     agent,
			Stage:     stage,
			Content:   content,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			logger.L().Warn("append agent log failed",
				zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}
}

func (o *Orchestrator) emit(ctx context.Context, sessionID uuid.UUID, stage, content string) {
	o.emitter(ctx, sessionID)(producerIdentity, stage, content)
}

// stageFor maps a session stage status to the workflow stage it belongs to.
func stageFor(stageStatus string) string {
	switch stageStatus {
	case models.SessionAnalyzing:
		return models.StageAnalyze
	case models.SessionGenerating:
		return models.StageGenerate
	case models.SessionUploading:
		return models.StageUpload
	default:
		return models.StageComplete
	}
}

func loadState(sess *models.GenerationSession) generator.State {
	state := generator.State{}
	if len(sess.SharedAgentState) > 0 {
		_ = json.Unmarshal(sess.SharedAgentState, &state)
	}
	return state
}

func loadFiles(sess *models.GenerationSession) []models.ProducedFile {
	var files []models.ProducedFile
	if len(sess.ProducedFiles) > 0 {
		_ = json.Unmarshal(sess.ProducedFiles, &files)
	}
	return files
}
