// Package lifecycle defines the four record mutation sagas — CreateRecord,
// UpdateRecord, PublishDraft, ArchiveRecord — and their step library. Each
// saga coordinates the record row store, the markdown working tree, and
// the VCS repository; event emission and reindexing ride along as derived
// steps that never fail a mutation.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/CivicPress/civicpress-sub013/pkg/eventbus"
	"github.com/CivicPress/civicpress-sub013/pkg/index"
	"github.com/CivicPress/civicpress-sub013/pkg/record"
	"github.com/CivicPress/civicpress-sub013/pkg/saga"
	"github.com/CivicPress/civicpress-sub013/pkg/vcs"
	"github.com/CivicPress/civicpress-sub013/pkg/worktree"
)

// Saga type names registered with the saga registry.
const (
	SagaCreateRecord  = "CreateRecord"
	SagaUpdateRecord  = "UpdateRecord"
	SagaPublishDraft  = "PublishDraft"
	SagaArchiveRecord = "ArchiveRecord"
)

// Version is the definition version this package registers. Behavior
// changes to any saga ship as a new version so in-flight instances keep
// resolving the steps they started under.
const Version = 1

// Internal row-only workflow states. These never reach the markdown file.
const (
	workflowActive   = "active"
	workflowArchived = "archived"
)

// Worktree is the filesystem surface the step library consumes. The
// worktree.Tree satisfies it.
type Worktree interface {
	WriteAtomic(rel string, data []byte) error
	WriteExclusive(rel string, data []byte) error
	Move(src, dst string) error
	Remove(rel string) error
	Exists(rel string) (bool, error)
	ReadFile(rel string) ([]byte, error)
}

// Deps wires the external collaborators into the saga step library.
// Records, Tree and Repo are required; Events and Indexer are optional
// derived sinks (nil skips their steps).
type Deps struct {
	Records record.Store
	Tree    Worktree
	Repo    vcs.Repo
	Events  *eventbus.Publisher
	Indexer index.Indexer
	Author  vcs.Author

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

func (d Deps) validate() error {
	if d.Records == nil {
		return fmt.Errorf("lifecycle: record store is required")
	}
	if d.Tree == nil {
		return fmt.Errorf("lifecycle: worktree is required")
	}
	if d.Repo == nil {
		return fmt.Errorf("lifecycle: vcs repository is required")
	}
	return nil
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock().UTC()
	}
	return time.Now().UTC()
}

// RegisterAll builds the four record sagas and registers them.
func RegisterAll(registry *saga.Registry, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	builders := []func(Deps) (*saga.Definition, error){
		CreateRecord,
		UpdateRecord,
		PublishDraft,
		ArchiveRecord,
	}
	for _, build := range builders {
		def, err := build(deps)
		if err != nil {
			return err
		}
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Slugify derives a record id from a title: lowercase, alphanumeric runs
// joined by single hyphens.
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// transient reclassifies infrastructure failures the saga should retry:
// store unavailability and a busy VCS index.
func transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, record.ErrUnavailable) || errors.Is(err, vcs.ErrRepoBusy) {
		return saga.Transient(err)
	}
	return err
}

// commitOutput is the persisted output of every commit_vcs step.
type commitOutput struct {
	CommitID string `json:"commit_id"`
	Message  string `json:"message"`
}

// commitStep builds the commit_vcs forward action: stage and commit the
// given paths as one repository operation, skipping the step when the
// change set is empty. The commit is the authoritative boundary — it has
// no compensation, because history is append-only; upstream row and file
// compensations reconcile state instead.
func commitStep(deps Deps, message func(stepCtx *saga.StepContext) (string, []string, error)) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		msg, paths, err := message(stepCtx)
		if err != nil {
			return nil, err
		}
		id, err := deps.Repo.StageAndCommit(ctx, paths, msg, deps.Author)
		if errors.Is(err, vcs.ErrNothingToCommit) {
			return nil, saga.ErrSkipStep
		}
		if err != nil {
			return nil, transient(err)
		}
		return saga.EncodeOutput(commitOutput{CommitID: id, Message: msg})
	}
}

// eventPayload is the payload carried by record lifecycle events.
type eventPayload struct {
	RecordID string `json:"record_id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   string `json:"status"`
}

// emitStep builds the derived emit_events action. A nil publisher skips
// the step.
func emitStep(deps Deps, eventType string, payload func(stepCtx *saga.StepContext) (eventPayload, error)) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		if deps.Events == nil {
			return nil, saga.ErrSkipStep
		}
		p, err := payload(stepCtx)
		if err != nil {
			return nil, err
		}
		env, err := deps.Events.PublishLifecycleEvent(ctx, eventbus.LifecycleEvent{
			Domain:     eventbus.DomainRecord,
			EventType:  eventType,
			RecordType: p.Type,
			RecordID:   p.RecordID,
			SagaID:     stepCtx.SagaID,
			Payload:    p,
		})
		if err != nil {
			return nil, err
		}
		return saga.EncodeOutput(map[string]string{"event_id": env.EventID})
	}
}

// reindexStep builds the derived update_index action. A nil indexer skips
// the step.
func reindexStep(deps Deps, recordID func(stepCtx *saga.StepContext) (string, error)) saga.ActionFunc {
	return func(ctx context.Context, stepCtx *saga.StepContext) (json.RawMessage, error) {
		if deps.Indexer == nil {
			return nil, saga.ErrSkipStep
		}
		id, err := recordID(stepCtx)
		if err != nil {
			return nil, err
		}
		if err := deps.Indexer.Reindex(ctx, id); err != nil {
			return nil, err
		}
		return saga.EncodeOutput(map[string]string{"record_id": id})
	}
}

// lockRecord returns the resource lock key for a record id.
func lockRecord(id string) string { return "record:" + id }

// lockDraft returns the resource lock key for a draft id.
func lockDraft(id string) string { return "draft:" + id }

var _ Worktree = (*worktree.Tree)(nil)
