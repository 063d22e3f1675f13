package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CivicPress/civicpress-sub013/pkg/eventbus"
	"github.com/CivicPress/civicpress-sub013/pkg/record"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
)

// PublishDraftContext is the input payload of the PublishDraft saga. The
// draft id becomes the record id.
type PublishDraftContext struct {
	DraftID string `json:"draft_id"`
}

// Validate rejects malformed payloads before any state is persisted.
func (c *PublishDraftContext) Validate() error {
	if c.DraftID == "" {
		return fmt.Errorf("draft_id is required")
	}
	return nil
}

type loadedDraftOutput struct {
	Draft record.Draft `json:"draft"`
}

type moveToRecordsOutput struct {
	RecordID string         `json:"record_id"`
	Existed  bool           `json:"existed"`
	Prior    *record.Record `json:"prior,omitempty"`
}

type deleteDraftOutput struct {
	Draft record.Draft `json:"draft"`
}

// PublishDraft builds the saga that promotes a draft row into a published
// record: a records row, a markdown file, and a VCS commit, with the
// draft row removed once the record is committed.
func PublishDraft(deps Deps) (*saga.Definition, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return saga.New(SagaPublishDraft, Version).
		WithValidator(func(payload json.RawMessage) error {
			var c PublishDraftContext
			if err := json.Unmarshal(payload, &c); err != nil {
				return err
			}
			return c.Validate()
		}).
		WithResources(func(payload json.RawMessage) ([]string, error) {
			var c PublishDraftContext
			if err := json.Unmarshal(payload, &c); err != nil {
				return nil, err
			}
			return []string{lockDraft(c.DraftID), lockRecord(c.DraftID)}, nil
		}).
		Step("load_draft",
			saga.Action(publishLoadDraft(deps)),
		).
		Step("move_to_records",
			saga.Action(publishMoveToRecords(deps)),
			saga.Compensate(publishUndoMoveToRecords(deps)),
		).
		Step("write_file",
			saga.Action(publishWriteFile(deps)),
			saga.Compensate(createRemoveFile(deps)),
		).
		Step("commit_vcs",
			saga.Action(commitStep(deps, func(stepCtx *saga.StepContext) (string, []string, error) {
				var moved moveToRecordsOutput
				if err := stepCtx.DecodeOutput("move_to_records", &moved); err != nil {
					return "", nil, err
				}
				var written fileOutput
				if err := stepCtx.DecodeOutput("write_file", &written); err != nil {
					return "", nil, err
				}
				return "Create record " + moved.RecordID, []string{written.Path}, nil
			})),
		).
		Step("delete_draft",
			saga.Action(publishDeleteDraft(deps)),
			saga.Compensate(publishRestoreDraft(deps)),
		).
		Step("emit_events",
			saga.AsDerived(),
			saga.Action(emitStep(deps, eventbus.EventRecordPublished, publishEventPayload)),
		).
		Step("update_index",
			saga.AsDerived(),
			saga.Action(reindexStep(deps, func(stepCtx *saga.StepContext) (string, error) {
				var moved moveToRecordsOutput
				if err := stepCtx.DecodeOutput("move_to_records", &moved); err != nil {
					return "", err
				}
				return moved.RecordID, nil
			})),
		).
		WithResult(func(inst *saga.Instance) (json.RawMessage, error) {
			return publishResult(inst)
		}).
		Build()
}

// publishLoadDraft snapshots the draft row. A missing draft is a
// permanent failure.
func publishLoadDraft(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var c PublishDraftContext
		if err := stepCtx.DecodeContext(&c); err != nil {
			return nil, err
		}
		draft, err := deps.Records.GetDraft(ctx, c.DraftID)
		if err != nil {
			return nil, transient(err)
		}
		return saga.EncodeOutput(loadedDraftOutput{Draft: *draft})
	}
}

// publishMoveToRecords inserts (or republishes over) the records row for
// the draft. The prior row, when one existed, rides in the output so the
// compensation can restore it.
func publishMoveToRecords(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var loaded loadedDraftOutput
		if err := stepCtx.DecodeOutput("load_draft", &loaded); err != nil {
			return nil, err
		}
		draft := loaded.Draft

		now := deps.now()
		rec := &record.Record{
			ID:            draft.ID,
			Type:          draft.Type,
			Title:         draft.Title,
			Status:        record.StatusPublished,
			WorkflowState: workflowActive,
			Author:        draft.Author,
			Body:          draft.Body,
			Path:          record.FilePath(draft.Type, draft.ID),
			CreatedAt:     now,
			UpdatedAt:     now,
			CreatedBySaga: stepCtx.SagaID,
		}

		prior, err := deps.Records.GetRecord(ctx, draft.ID)
		switch {
		case errors.Is(err, record.ErrNotFound):
			if insertErr := deps.Records.InsertRecord(ctx, rec); insertErr != nil && !errors.Is(insertErr, record.ErrExists) {
				return nil, transient(insertErr)
			}
			return saga.EncodeOutput(moveToRecordsOutput{RecordID: draft.ID})
		case err != nil:
			return nil, transient(err)
		}

		if prior.CreatedBySaga == stepCtx.SagaID || prior.UpdatedBySaga == stepCtx.SagaID {
			// Retried step finding its own prior write; keep the original
			// prior snapshot out of the picture by reporting a fresh insert.
			return saga.EncodeOutput(moveToRecordsOutput{RecordID: draft.ID})
		}

		// Republish over an existing record.
		rec.CreatedAt = prior.CreatedAt
		rec.CreatedBySaga = prior.CreatedBySaga
		rec.UpdatedBySaga = stepCtx.SagaID
		if err := deps.Records.UpdateRecord(ctx, rec); err != nil {
			return nil, transient(err)
		}
		return saga.EncodeOutput(moveToRecordsOutput{RecordID: draft.ID, Existed: true, Prior: prior})
	}
}

func publishUndoMoveToRecords(deps Deps) saga.CompensationFunc {
	return func(ctx context.Context, compCtx *saga.CompensationContext) error {
		if len(compCtx.Output) == 0 {
			return nil
		}
		var out moveToRecordsOutput
		if err := compCtx.DecodeOutput(&out); err != nil {
			return err
		}
		if out.Existed && out.Prior != nil {
			err := deps.Records.UpdateRecord(ctx, out.Prior)
			if errors.Is(err, record.ErrNotFound) {
				return deps.Records.InsertRecord(ctx, out.Prior)
			}
			return transient(err)
		}
		err := deps.Records.DeleteRecord(ctx, out.RecordID)
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			return transient(err)
		}
		return nil
	}
}

// publishWriteFile writes the markdown document with create-flow
// semantics: absent or byte-equal succeeds, differing content fails.
func publishWriteFile(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var moved moveToRecordsOutput
		if err := stepCtx.DecodeOutput("move_to_records", &moved); err != nil {
			return nil, err
		}
		rec, err := deps.Records.GetRecord(ctx, moved.RecordID)
		if err != nil {
			return nil, transient(err)
		}
		doc, err := record.EncodeDocument(rec)
		if err != nil {
			return nil, err
		}
		path := rec.Path
		if path == "" {
			path = record.FilePath(rec.Type, rec.ID)
		}
		if err := deps.Tree.WriteExclusive(path, doc); err != nil {
			return nil, err
		}
		return saga.EncodeOutput(fileOutput{Path: path})
	}
}

// publishDeleteDraft removes the draft row once the record is committed.
// Already-absent is the retried step finding its prior delete.
func publishDeleteDraft(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var loaded loadedDraftOutput
		if err := stepCtx.DecodeOutput("load_draft", &loaded); err != nil {
			return nil, err
		}
		err := deps.Records.DeleteDraft(ctx, loaded.Draft.ID)
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			return nil, transient(err)
		}
		return saga.EncodeOutput(deleteDraftOutput{Draft: loaded.Draft})
	}
}

func publishRestoreDraft(deps Deps) saga.CompensationFunc {
	return func(ctx context.Context, compCtx *saga.CompensationContext) error {
		if len(compCtx.Output) == 0 {
			return nil
		}
		var out deleteDraftOutput
		if err := compCtx.DecodeOutput(&out); err != nil {
			return err
		}
		err := deps.Records.InsertDraft(ctx, &out.Draft)
		if err != nil && !errors.Is(err, record.ErrExists) {
			return transient(err)
		}
		return nil
	}
}

func publishEventPayload(stepCtx *saga.StepContext) (eventPayload, error) {
	var loaded loadedDraftOutput
	if err := stepCtx.DecodeOutput("load_draft", &loaded); err != nil {
		return eventPayload{}, err
	}
	return eventPayload{
		RecordID: loaded.Draft.ID,
		Type:     loaded.Draft.Type,
		Title:    loaded.Draft.Title,
		Status:   string(record.StatusPublished),
	}, nil
}

func publishResult(inst *saga.Instance) (json.RawMessage, error) {
	outputs := inst.Outputs()

	var moved moveToRecordsOutput
	if raw, ok := outputs["move_to_records"]; ok {
		if err := json.Unmarshal(raw, &moved); err != nil {
			return nil, err
		}
	}
	var written fileOutput
	if raw, ok := outputs["write_file"]; ok {
		if err := json.Unmarshal(raw, &written); err != nil {
			return nil, err
		}
	}
	var commit commitOutput
	if raw, ok := outputs["commit_vcs"]; ok {
		if err := json.Unmarshal(raw, &commit); err != nil {
			return nil, err
		}
	}
	return json.Marshal(map[string]string{
		"record_id": moved.RecordID,
		"path":      written.Path,
		"commit_id": commit.CommitID,
	})
}
