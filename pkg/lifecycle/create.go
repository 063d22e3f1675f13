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

// CreateRecordContext is the input payload of the CreateRecord saga.
type CreateRecordContext struct {
	Title  string `json:"title"`
	Type   string `json:"type"`
	Author string `json:"author,omitempty"`
	Body   string `json:"body,omitempty"`
}

// Validate rejects malformed payloads before any state is persisted.
func (c *CreateRecordContext) Validate() error {
	if c.Title == "" {
		return fmt.Errorf("title is required")
	}
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if Slugify(c.Title) == "" {
		return fmt.Errorf("title %q yields an empty record id", c.Title)
	}
	return nil
}

type reserveIDOutput struct {
	RecordID string `json:"record_id"`
	Path     string `json:"path"`
}

type rowOutput struct {
	RecordID string `json:"record_id"`
}

type fileOutput struct {
	Path string `json:"path"`
}

// CreateRecord builds the saga that creates a published record from
// scratch: reserve an id, insert the row, write the markdown file, commit
// it, then emit events and reindex as derived follow-ups.
func CreateRecord(deps Deps) (*saga.Definition, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return saga.New(SagaCreateRecord, Version).
		WithValidator(func(payload json.RawMessage) error {
			var c CreateRecordContext
			if err := json.Unmarshal(payload, &c); err != nil {
				return err
			}
			return c.Validate()
		}).
		WithResources(func(payload json.RawMessage) ([]string, error) {
			var c CreateRecordContext
			if err := json.Unmarshal(payload, &c); err != nil {
				return nil, err
			}
			return []string{lockRecord(Slugify(c.Title))}, nil
		}).
		Step("reserve_id",
			saga.Action(createReserveID(deps)),
		).
		Step("insert_row",
			saga.Action(createInsertRow(deps)),
			saga.Compensate(createDeleteRow(deps)),
		).
		Step("write_file",
			saga.Action(createWriteFile(deps)),
			saga.Compensate(createRemoveFile(deps)),
		).
		Step("commit_vcs",
			saga.Action(commitStep(deps, func(stepCtx *saga.StepContext) (string, []string, error) {
				var reserved reserveIDOutput
				if err := stepCtx.DecodeOutput("reserve_id", &reserved); err != nil {
					return "", nil, err
				}
				return "Create record " + reserved.RecordID, []string{reserved.Path}, nil
			})),
		).
		Step("emit_events",
			saga.AsDerived(),
			saga.Action(emitStep(deps, eventbus.EventRecordCreated, createEventPayload)),
		).
		Step("update_index",
			saga.AsDerived(),
			saga.Action(reindexStep(deps, func(stepCtx *saga.StepContext) (string, error) {
				var reserved reserveIDOutput
				if err := stepCtx.DecodeOutput("reserve_id", &reserved); err != nil {
					return "", err
				}
				return reserved.RecordID, nil
			})),
		).
		WithResult(func(inst *saga.Instance) (json.RawMessage, error) {
			return createResult(inst)
		}).
		Build()
}

// createReserveID derives the record id from the title and verifies it is
// free. A row created by this same saga is a retry, not a collision.
func createReserveID(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var c CreateRecordContext
		if err := stepCtx.DecodeContext(&c); err != nil {
			return nil, err
		}
		id := Slugify(c.Title)

		existing, err := deps.Records.GetRecord(ctx, id)
		switch {
		case err == nil:
			if existing.CreatedBySaga != stepCtx.SagaID {
				return nil, fmt.Errorf("record id %q already taken", id)
			}
		case errors.Is(err, record.ErrNotFound):
		default:
			return nil, transient(err)
		}

		return saga.EncodeOutput(reserveIDOutput{
			RecordID: id,
			Path:     record.FilePath(c.Type, id),
		})
	}
}

// createInsertRow inserts the record row. A duplicate insert carrying this
// saga's signature is the retried step finding its own prior write.
func createInsertRow(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var c CreateRecordContext
		if err := stepCtx.DecodeContext(&c); err != nil {
			return nil, err
		}
		var reserved reserveIDOutput
		if err := stepCtx.DecodeOutput("reserve_id", &reserved); err != nil {
			return nil, err
		}

		now := deps.now()
		rec := &record.Record{
			ID:            reserved.RecordID,
			Type:          c.Type,
			Title:         c.Title,
			Status:        record.StatusPublished,
			WorkflowState: workflowActive,
			Author:        c.Author,
			Body:          c.Body,
			Path:          reserved.Path,
			CreatedAt:     now,
			UpdatedAt:     now,
			CreatedBySaga: stepCtx.SagaID,
		}

		err := deps.Records.InsertRecord(ctx, rec)
		if errors.Is(err, record.ErrExists) {
			prior, getErr := deps.Records.GetRecord(ctx, reserved.RecordID)
			if getErr != nil {
				return nil, transient(getErr)
			}
			if prior.CreatedBySaga != stepCtx.SagaID {
				return nil, fmt.Errorf("record %s inserted by another writer", reserved.RecordID)
			}
		} else if err != nil {
			return nil, transient(err)
		}

		return saga.EncodeOutput(rowOutput{RecordID: reserved.RecordID})
	}
}

func createDeleteRow(deps Deps) saga.CompensationFunc {
	return func(ctx context.Context, compCtx *saga.CompensationContext) error {
		if len(compCtx.Output) == 0 {
			return nil
		}
		var out rowOutput
		if err := compCtx.DecodeOutput(&out); err != nil {
			return err
		}
		err := deps.Records.DeleteRecord(ctx, out.RecordID)
		if err != nil && !errors.Is(err, record.ErrNotFound) {
			return transient(err)
		}
		return nil
	}
}

// createWriteFile renders the markdown document and writes it with
// create-flow semantics: absent or byte-equal succeeds, anything else
// fails.
func createWriteFile(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var reserved reserveIDOutput
		if err := stepCtx.DecodeOutput("reserve_id", &reserved); err != nil {
			return nil, err
		}
		rec, err := deps.Records.GetRecord(ctx, reserved.RecordID)
		if err != nil {
			return nil, transient(err)
		}
		doc, err := record.EncodeDocument(rec)
		if err != nil {
			return nil, err
		}
		if err := deps.Tree.WriteExclusive(reserved.Path, doc); err != nil {
			return nil, err
		}
		return saga.EncodeOutput(fileOutput{Path: reserved.Path})
	}
}

func createRemoveFile(deps Deps) saga.CompensationFunc {
	return func(_ context.Context, compCtx *saga.CompensationContext) error {
		if len(compCtx.Output) == 0 {
			return nil
		}
		var out fileOutput
		if err := compCtx.DecodeOutput(&out); err != nil {
			return err
		}
		return deps.Tree.Remove(out.Path)
	}
}

func createEventPayload(stepCtx *saga.StepContext) (eventPayload, error) {
	var c CreateRecordContext
	if err := stepCtx.DecodeContext(&c); err != nil {
		return eventPayload{}, err
	}
	var reserved reserveIDOutput
	if err := stepCtx.DecodeOutput("reserve_id", &reserved); err != nil {
		return eventPayload{}, err
	}
	return eventPayload{
		RecordID: reserved.RecordID,
		Type:     c.Type,
		Title:    c.Title,
		Status:   string(record.StatusPublished),
	}, nil
}

// createResult assembles the caller-visible result from persisted step
// outputs.
func createResult(inst *saga.Instance) (json.RawMessage, error) {
	outputs := inst.Outputs()

	var reserved reserveIDOutput
	if raw, ok := outputs["reserve_id"]; ok {
		if err := json.Unmarshal(raw, &reserved); err != nil {
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
		"record_id": reserved.RecordID,
		"path":      reserved.Path,
		"commit_id": commit.CommitID,
	})
}
