package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CivicPress/civicpress-sub013/pkg/eventbus"
	"github.com/CivicPress/civicpress-sub013/pkg/record"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
	"github.com/CivicPress/civicpress-sub013/pkg/worktree"
)

// ArchiveRecordContext is the input payload of the ArchiveRecord saga.
type ArchiveRecordContext struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason,omitempty"`
}

// Validate rejects malformed payloads before any state is persisted.
func (c *ArchiveRecordContext) Validate() error {
	if c.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	return nil
}

type moveFileOutput struct {
	Src   string        `json:"src"`
	Dst   string        `json:"dst"`
	Prior record.Record `json:"prior"`
}

// ArchiveRecord builds the saga that retires a published record: flip the
// row to archived, move the markdown file under records/archive, commit
// the move, then emit the archival event.
func ArchiveRecord(deps Deps) (*saga.Definition, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return saga.New(SagaArchiveRecord, Version).
		WithValidator(func(payload json.RawMessage) error {
			var c ArchiveRecordContext
			if err := json.Unmarshal(payload, &c); err != nil {
				return err
			}
			return c.Validate()
		}).
		WithResources(func(payload json.RawMessage) ([]string, error) {
			var c ArchiveRecordContext
			if err := json.Unmarshal(payload, &c); err != nil {
				return nil, err
			}
			return []string{lockRecord(c.RecordID)}, nil
		}).
		Step("load_record",
			saga.Action(archiveLoadRecord(deps)),
		).
		Step("update_row_status",
			saga.Action(archiveUpdateRowStatus(deps)),
			saga.Compensate(restoreRow(deps)),
		).
		Step("move_file_to_archive",
			saga.Action(archiveMoveFile(deps)),
			saga.Compensate(archiveMoveFileBack(deps)),
		).
		Step("commit_vcs",
			saga.Action(commitStep(deps, func(stepCtx *saga.StepContext) (string, []string, error) {
				var c ArchiveRecordContext
				if err := stepCtx.DecodeContext(&c); err != nil {
					return "", nil, err
				}
				var moved moveFileOutput
				if err := stepCtx.DecodeOutput("move_file_to_archive", &moved); err != nil {
					return "", nil, err
				}
				return "Archive record " + c.RecordID, []string{moved.Src, moved.Dst}, nil
			})),
		).
		Step("emit_events",
			saga.AsDerived(),
			saga.Action(emitStep(deps, eventbus.EventRecordArchived, archiveEventPayload)),
		).
		Step("update_index",
			saga.AsDerived(),
			saga.Action(archiveDropFromIndex(deps)),
		).
		WithResult(func(inst *saga.Instance) (json.RawMessage, error) {
			return mutationResult(inst, "update_row_status")
		}).
		Build()
}

// archiveLoadRecord snapshots the row before archival. Archiving an
// already archived record is a permanent failure.
func archiveLoadRecord(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var c ArchiveRecordContext
		if err := stepCtx.DecodeContext(&c); err != nil {
			return nil, err
		}
		rec, err := deps.Records.GetRecord(ctx, c.RecordID)
		if err != nil {
			return nil, transient(err)
		}
		if rec.Status == record.StatusArchived && rec.UpdatedBySaga != stepCtx.SagaID {
			return nil, fmt.Errorf("record %s is already archived", c.RecordID)
		}
		return saga.EncodeOutput(loadedRecordOutput{Record: *rec})
	}
}

// archiveUpdateRowStatus flips the row to archived and repoints its path
// at the archive tree.
func archiveUpdateRowStatus(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var loaded loadedRecordOutput
		if err := stepCtx.DecodeOutput("load_record", &loaded); err != nil {
			return nil, err
		}
		prior := loaded.Record

		current, err := deps.Records.GetRecord(ctx, prior.ID)
		if err != nil {
			return nil, transient(err)
		}
		if current.UpdatedBySaga == stepCtx.SagaID {
			return saga.EncodeOutput(updateRowOutput{RecordID: prior.ID, Prior: prior})
		}

		now := deps.now()
		next := prior.Clone()
		next.Status = record.StatusArchived
		next.WorkflowState = workflowArchived
		next.Path = record.ArchivePath(prior.Type, prior.ID)
		next.UpdatedAt = now
		next.ArchivedAt = &now
		next.UpdatedBySaga = stepCtx.SagaID

		if err := deps.Records.UpdateRecord(ctx, next); err != nil {
			return nil, transient(err)
		}
		return saga.EncodeOutput(updateRowOutput{RecordID: prior.ID, Prior: prior})
	}
}

// archiveMoveFile relocates the markdown file into the archive tree. The
// move also rewrites the file so its frontmatter status reads archived.
func archiveMoveFile(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var loaded loadedRecordOutput
		if err := stepCtx.DecodeOutput("load_record", &loaded); err != nil {
			return nil, err
		}
		prior := loaded.Record

		src := prior.Path
		if src == "" {
			src = record.FilePath(prior.Type, prior.ID)
		}
		dst := record.ArchivePath(prior.Type, prior.ID)

		// A retried move finds its prior rename applied; a missing source
		// with no destination is recovered by the rewrite below.
		if err := deps.Tree.Move(src, dst); err != nil && !errors.Is(err, worktree.ErrNotFound) {
			return nil, err
		}

		rec, err := deps.Records.GetRecord(ctx, prior.ID)
		if err != nil {
			return nil, transient(err)
		}
		doc, err := record.EncodeDocument(rec)
		if err != nil {
			return nil, err
		}
		if err := deps.Tree.WriteAtomic(dst, doc); err != nil {
			return nil, err
		}
		return saga.EncodeOutput(moveFileOutput{Src: src, Dst: dst, Prior: prior})
	}
}

// archiveMoveFileBack returns the file to the live tree with its
// pre-archive content.
func archiveMoveFileBack(deps Deps) saga.CompensationFunc {
	return func(_ context.Context, compCtx *saga.CompensationContext) error {
		if len(compCtx.Output) == 0 {
			return nil
		}
		var out moveFileOutput
		if err := compCtx.DecodeOutput(&out); err != nil {
			return err
		}
		if err := deps.Tree.Move(out.Dst, out.Src); err != nil && !errors.Is(err, worktree.ErrNotFound) {
			return err
		}

		// The forward pass rewrote the frontmatter to archived; the row is
		// restored by a later compensation, so the pre-archive content comes
		// from the snapshot carried in this step's output.
		doc, err := record.EncodeDocument(&out.Prior)
		if err != nil {
			return err
		}
		return deps.Tree.WriteAtomic(out.Src, doc)
	}
}

// archiveDropFromIndex evicts the archived record from the search index.
// A nil indexer skips the step.
func archiveDropFromIndex(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		if deps.Indexer == nil {
			return nil, saga.ErrSkipStep
		}
		var c ArchiveRecordContext
		if err := stepCtx.DecodeContext(&c); err != nil {
			return nil, err
		}
		if err := deps.Indexer.Remove(ctx, c.RecordID); err != nil {
			return nil, err
		}
		return saga.EncodeOutput(map[string]string{"record_id": c.RecordID})
	}
}

func archiveEventPayload(stepCtx *saga.StepContext) (eventPayload, error) {
	var loaded loadedRecordOutput
	if err := stepCtx.DecodeOutput("load_record", &loaded); err != nil {
		return eventPayload{}, err
	}
	return eventPayload{
		RecordID: loaded.Record.ID,
		Type:     loaded.Record.Type,
		Title:    loaded.Record.Title,
		Status:   string(record.StatusArchived),
	}, nil
}
