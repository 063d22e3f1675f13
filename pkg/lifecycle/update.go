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

// UpdateRecordContext is the input payload of the UpdateRecord saga. Nil
// optional fields leave the current value untouched.
type UpdateRecordContext struct {
	RecordID string  `json:"record_id"`
	Title    *string `json:"title,omitempty"`
	Body     *string `json:"body,omitempty"`
	Author   *string `json:"author,omitempty"`
}

// Validate rejects malformed payloads before any state is persisted.
func (c *UpdateRecordContext) Validate() error {
	if c.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	if c.Title == nil && c.Body == nil && c.Author == nil {
		return fmt.Errorf("update carries no changes")
	}
	if c.Title != nil && *c.Title == "" {
		return fmt.Errorf("title cannot be cleared")
	}
	return nil
}

type loadedRecordOutput struct {
	Record record.Record `json:"record"`
}

type updateRowOutput struct {
	RecordID string        `json:"record_id"`
	Prior    record.Record `json:"prior"`
}

type rewriteFileOutput struct {
	Path     string `json:"path"`
	HadPrior bool   `json:"had_prior"`
	Prior    []byte `json:"prior,omitempty"`
}

// UpdateRecord builds the saga that mutates an existing published record:
// load the current row, update it, rewrite the markdown file, commit, then
// emit events and reindex as derived follow-ups.
func UpdateRecord(deps Deps) (*saga.Definition, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return saga.New(SagaUpdateRecord, Version).
		WithValidator(func(payload json.RawMessage) error {
			var c UpdateRecordContext
			if err := json.Unmarshal(payload, &c); err != nil {
				return err
			}
			return c.Validate()
		}).
		WithResources(func(payload json.RawMessage) ([]string, error) {
			var c UpdateRecordContext
			if err := json.Unmarshal(payload, &c); err != nil {
				return nil, err
			}
			return []string{lockRecord(c.RecordID)}, nil
		}).
		Step("load_current",
			saga.Action(updateLoadCurrent(deps)),
		).
		Step("update_row",
			saga.Action(updateRow(deps)),
			saga.Compensate(restoreRow(deps)),
		).
		Step("write_file",
			saga.Action(rewriteFile(deps, "update_row")),
			saga.Compensate(restoreFile(deps)),
		).
		Step("commit_vcs",
			saga.Action(commitStep(deps, func(stepCtx *saga.StepContext) (string, []string, error) {
				var c UpdateRecordContext
				if err := stepCtx.DecodeContext(&c); err != nil {
					return "", nil, err
				}
				var written rewriteFileOutput
				if err := stepCtx.DecodeOutput("write_file", &written); err != nil {
					return "", nil, err
				}
				return "Update record " + c.RecordID, []string{written.Path}, nil
			})),
		).
		Step("emit_events",
			saga.AsDerived(),
			saga.Action(emitStep(deps, eventbus.EventRecordUpdated, updateEventPayload)),
		).
		Step("update_index",
			saga.AsDerived(),
			saga.Action(reindexStep(deps, func(stepCtx *saga.StepContext) (string, error) {
				var c UpdateRecordContext
				if err := stepCtx.DecodeContext(&c); err != nil {
					return "", err
				}
				return c.RecordID, nil
			})),
		).
		WithResult(func(inst *saga.Instance) (json.RawMessage, error) {
			return mutationResult(inst, "update_row")
		}).
		Build()
}

// updateLoadCurrent snapshots the row before any mutation. A missing
// record is a permanent failure.
func updateLoadCurrent(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var c UpdateRecordContext
		if err := stepCtx.DecodeContext(&c); err != nil {
			return nil, err
		}
		rec, err := deps.Records.GetRecord(ctx, c.RecordID)
		if err != nil {
			return nil, transient(err)
		}
		return saga.EncodeOutput(loadedRecordOutput{Record: *rec})
	}
}

// updateRow applies the requested changes. The prior row rides in the step
// output so the compensation can restore it byte for byte.
func updateRow(deps Deps) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var c UpdateRecordContext
		if err := stepCtx.DecodeContext(&c); err != nil {
			return nil, err
		}
		var loaded loadedRecordOutput
		if err := stepCtx.DecodeOutput("load_current", &loaded); err != nil {
			return nil, err
		}
		prior := loaded.Record

		current, err := deps.Records.GetRecord(ctx, c.RecordID)
		if err != nil {
			return nil, transient(err)
		}
		if current.UpdatedBySaga == stepCtx.SagaID {
			// Retried step finding its own prior write.
			return saga.EncodeOutput(updateRowOutput{RecordID: c.RecordID, Prior: prior})
		}

		next := prior.Clone()
		if c.Title != nil {
			next.Title = *c.Title
		}
		if c.Body != nil {
			next.Body = *c.Body
		}
		if c.Author != nil {
			next.Author = *c.Author
		}
		next.UpdatedAt = deps.now()
		next.UpdatedBySaga = stepCtx.SagaID

		if err := deps.Records.UpdateRecord(ctx, next); err != nil {
			return nil, transient(err)
		}
		return saga.EncodeOutput(updateRowOutput{RecordID: c.RecordID, Prior: prior})
	}
}

// restoreRow reinstates the pre-mutation row captured in the forward
// output. No output means the forward pass never wrote.
func restoreRow(deps Deps) saga.CompensationFunc {
	return func(ctx context.Context, compCtx *saga.CompensationContext) error {
		if len(compCtx.Output) == 0 {
			return nil
		}
		var out updateRowOutput
		if err := compCtx.DecodeOutput(&out); err != nil {
			return err
		}
		err := deps.Records.UpdateRecord(ctx, &out.Prior)
		if errors.Is(err, record.ErrNotFound) {
			return deps.Records.InsertRecord(ctx, &out.Prior)
		}
		return transient(err)
	}
}

// rewriteFile renders the updated row and replaces the markdown file,
// capturing the prior bytes for compensation. rowStep names the step whose
// output carries the updated record id.
func rewriteFile(deps Deps, rowStep string) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		var row updateRowOutput
		if err := stepCtx.DecodeOutput(rowStep, &row); err != nil {
			return nil, err
		}
		rec, err := deps.Records.GetRecord(ctx, row.RecordID)
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
		out := rewriteFileOutput{Path: path}
		if prior, readErr := deps.Tree.ReadFile(path); readErr == nil {
			out.HadPrior = true
			out.Prior = prior
		}

		if err := deps.Tree.WriteAtomic(path, doc); err != nil {
			return nil, err
		}
		return saga.EncodeOutput(out)
	}
}

// restoreFile puts the pre-mutation file content back, or removes the file
// when the forward pass created it.
func restoreFile(deps Deps) saga.CompensationFunc {
	return func(_ context.Context, compCtx *saga.CompensationContext) error {
		if len(compCtx.Output) == 0 {
			return nil
		}
		var out rewriteFileOutput
		if err := compCtx.DecodeOutput(&out); err != nil {
			return err
		}
		if out.HadPrior {
			return deps.Tree.WriteAtomic(out.Path, out.Prior)
		}
		return deps.Tree.Remove(out.Path)
	}
}

func updateEventPayload(stepCtx *saga.StepContext) (eventPayload, error) {
	var row updateRowOutput
	if err := stepCtx.DecodeOutput("update_row", &row); err != nil {
		return eventPayload{}, err
	}
	var c UpdateRecordContext
	if err := stepCtx.DecodeContext(&c); err != nil {
		return eventPayload{}, err
	}
	title := row.Prior.Title
	if c.Title != nil {
		title = *c.Title
	}
	return eventPayload{
		RecordID: row.RecordID,
		Type:     row.Prior.Type,
		Title:    title,
		Status:   string(row.Prior.Status),
	}, nil
}

// mutationResult assembles the shared result envelope for update-shaped
// sagas from the row step output and the commit output.
func mutationResult(inst *saga.Instance, rowStep string) (json.RawMessage, error) {
	outputs := inst.Outputs()

	var row updateRowOutput
	if raw, ok := outputs[rowStep]; ok {
		if err := json.Unmarshal(raw, &row); err != nil {
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
		"record_id": row.RecordID,
		"commit_id": commit.CommitID,
	})
}
