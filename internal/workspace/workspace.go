// Package workspace is one trade editing session: the five documents, their
// editors and the shared data pool. Every exported method holds the session
// lock, so two synchronization passes on the same trade never interleave.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tradeflow/api/internal/completion"
	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
	"tradeflow/api/internal/propagate"
	"tradeflow/api/internal/rows"
	"tradeflow/api/internal/session"
	"tradeflow/api/internal/syncer"
)

var (
	ErrUnknownKind   = errors.New("unknown document kind")
	ErrStepLocked    = errors.New("step locked until earlier documents are complete")
	ErrStaleRevision = errors.New("document changed since it was loaded")
	ErrMissingDoc    = errors.New("trade is missing a document")
	ErrDuplicateKind = errors.New("trade has two documents of the same kind")
)

type Workspace struct {
	mu      sync.Mutex
	id      string
	pool    session.Pool
	eval    *completion.Evaluator
	log     *zap.Logger
	active  doctree.Kind
	editors map[doctree.Kind]*syncer.Editor
}

type Option func(*Workspace)

func WithLogger(log *zap.Logger) Option {
	return func(w *Workspace) {
		if log != nil {
			w.log = log
		}
	}
}

func WithEvaluator(eval *completion.Evaluator) Option {
	return func(w *Workspace) {
		if eval != nil {
			w.eval = eval
		}
	}
}

// WithActive restores the step the operator was last on.
func WithActive(kind doctree.Kind) Option {
	return func(w *Workspace) {
		if kind.Valid() {
			w.active = kind
		}
	}
}

// New opens a session over docs, which must hold exactly one document per
// kind.
func New(id string, docs []*doctree.Document, pool session.Pool, opts ...Option) (*Workspace, error) {
	w := &Workspace{
		id:      id,
		pool:    pool,
		eval:    completion.NewEvaluator(fields.DefaultRules()),
		log:     zap.NewNop(),
		editors: make(map[doctree.Kind]*syncer.Editor, len(docs)),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With(zap.String("trade_id", id))

	synchronizer := syncer.New(w.log)
	for _, doc := range docs {
		if doc == nil || !doc.Kind.Valid() {
			return nil, ErrUnknownKind
		}
		if _, dup := w.editors[doc.Kind]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, doc.Kind)
		}
		doc.PendingMapped = doc.PendingMapped || len(propagate.ReviewMappedFields(doc)) > 0
		kind := doc.Kind
		editor := syncer.NewEditor(doc, synchronizer)
		editor.OnChange(func(tx *doctree.Transaction) {
			w.log.Debug("transaction applied",
				zap.Stringer("step", kind),
				zap.Stringer("origin", tx.Origin),
				zap.Int("steps", len(tx.Steps)),
			)
		})
		w.editors[kind] = editor
	}
	for _, kind := range doctree.Kinds() {
		if _, ok := w.editors[kind]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingDoc, kind)
		}
	}
	return w, nil
}

func (w *Workspace) ID() string { return w.id }

func (w *Workspace) Active() doctree.Kind {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *Workspace) editor(kind doctree.Kind) (*syncer.Editor, error) {
	e, ok := w.editors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	return e, nil
}

func (w *Workspace) documents() []*doctree.Document {
	docs := make([]*doctree.Document, 0, len(w.editors))
	for _, kind := range doctree.Kinds() {
		docs = append(docs, w.editors[kind].Document())
	}
	return docs
}

// Edit types text into the field at path and synchronizes its siblings.
func (w *Workspace) Edit(kind doctree.Kind, path doctree.Path, text string) (syncer.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return syncer.Result{}, err
	}
	return e.Edit(path, text)
}

// Select checks option in an exclusivity group.
func (w *Workspace) Select(kind doctree.Kind, groupID, option string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return false, err
	}
	return e.Select(groupID, option)
}

func (w *Workspace) Toggle(kind doctree.Kind, path doctree.Path) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return false, err
	}
	return e.Toggle(path)
}

// AgentResult reports a bulk agent write and the propagation it caused.
type AgentResult struct {
	Applied    []string          `json:"applied"`
	Unknown    []string          `json:"unknown,omitempty"`
	Propagated propagate.Outcome `json:"propagated,omitempty"`
}

// ApplyAgentChanges writes agent values into one document, then harvests it
// and pushes the pool into the other documents.
func (w *Workspace) ApplyAgentChanges(ctx context.Context, kind doctree.Kind, changes []syncer.Change) (AgentResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return AgentResult{}, err
	}
	applied, unknown, err := e.ApplyFieldChanges(changes)
	if err != nil {
		return AgentResult{}, err
	}
	if len(unknown) > 0 {
		w.log.Info("agent changes referenced unknown fields",
			zap.Stringer("step", kind),
			zap.Strings("field_ids", unknown),
		)
	}
	outcome, err := w.checkpoint(ctx, kind)
	if err != nil {
		return AgentResult{}, err
	}
	return AgentResult{Applied: applied, Unknown: unknown, Propagated: outcome}, nil
}

// checkpoint harvests source into the pool and pushes the pool everywhere
// else.
func (w *Workspace) checkpoint(ctx context.Context, source doctree.Kind) (propagate.Outcome, error) {
	values, err := propagate.Harvest(ctx, w.pool, w.editors[source].Document())
	if err != nil {
		return nil, err
	}
	outcome, err := propagate.PushAll(ctx, w.pool, w.documents(), source)
	if err != nil {
		return nil, err
	}
	for _, kind := range outcome.Kinds() {
		w.log.Debug("propagated pool values",
			zap.Stringer("source", source),
			zap.Stringer("target", kind),
			zap.Int("fields", len(outcome[kind])),
		)
	}
	w.log.Info("checkpoint",
		zap.Stringer("step", source),
		zap.Int("harvested", len(values)),
		zap.Int("documents_patched", len(outcome)),
	)
	return outcome, nil
}

// Checkpoint is the outcome of navigation or save.
type Checkpoint struct {
	Active     doctree.Kind        `json:"active"`
	Propagated propagate.Outcome   `json:"propagated,omitempty"`
	Progress   completion.Progress `json:"progress"`
}

// Navigate moves the operator to step to. Moving forward requires every
// earlier document to be complete. The step being left is harvested and the
// pool is pushed into the others.
func (w *Workspace) Navigate(ctx context.Context, to doctree.Kind) (Checkpoint, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !to.Valid() {
		return Checkpoint{}, fmt.Errorf("%w: %d", ErrUnknownKind, to)
	}
	progress := w.eval.Gate(w.documents())
	if to > w.active && !progress.CanNavigate(to) {
		return Checkpoint{Active: w.active, Progress: progress}, fmt.Errorf("%w: %s", ErrStepLocked, to)
	}

	outcome, err := w.checkpoint(ctx, w.active)
	if err != nil {
		return Checkpoint{}, err
	}
	w.active = to
	return Checkpoint{Active: to, Propagated: outcome, Progress: w.eval.Gate(w.documents())}, nil
}

// Snapshot is the persisted form of a trade: markup keyed by step.
type Snapshot struct {
	Active       doctree.Kind            `json:"active"`
	Markup       map[doctree.Kind]string `json:"markup"`
	Fingerprints map[doctree.Kind]string `json:"fingerprints"`
	Pending      map[doctree.Kind]bool   `json:"pendingMapped"`
	Pool         map[string]string       `json:"pool"`
	Propagated   propagate.Outcome       `json:"propagated,omitempty"`
	Progress     completion.Progress     `json:"progress"`
}

// Save checkpoints the active document and returns a consistent snapshot
// of every document for persistence.
func (w *Workspace) Save(ctx context.Context) (Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	outcome, err := w.checkpoint(ctx, w.active)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := w.snapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Propagated = outcome
	return snap, nil
}

// Snapshot returns the current state without running a checkpoint.
func (w *Workspace) Snapshot(ctx context.Context) (Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot(ctx)
}

func (w *Workspace) snapshot(ctx context.Context) (Snapshot, error) {
	pool, err := w.pool.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read pool: %w", err)
	}
	snap := Snapshot{
		Active:       w.active,
		Markup:       make(map[doctree.Kind]string, len(w.editors)),
		Fingerprints: make(map[doctree.Kind]string, len(w.editors)),
		Pending:      make(map[doctree.Kind]bool, len(w.editors)),
		Pool:         pool,
		Progress:     w.eval.Gate(w.documents()),
	}
	for _, doc := range w.documents() {
		snap.Markup[doc.Kind] = doctree.Marshal(doc)
		snap.Fingerprints[doc.Kind] = doctree.Fingerprint(doc)
		snap.Pending[doc.Kind] = doc.PendingMapped
	}
	return snap, nil
}

// RowChange reports a row insertion and where it was mirrored.
type RowChange struct {
	rows.Result
	Mirrored map[doctree.Kind][]string `json:"mirrored,omitempty"`
}

// AddRow clones the template row before anchor in kind and mirrors the new
// identifiers into every sibling document that has a matching table.
func (w *Workspace) AddRow(kind doctree.Kind, anchor doctree.Path) (RowChange, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return RowChange{}, err
	}
	tx, result := rows.PlanClone(e.Document(), anchor)
	if _, err := e.Dispatch(tx); err != nil {
		return RowChange{}, err
	}

	change := RowChange{Result: result, Mirrored: make(map[doctree.Kind][]string)}
	for _, other := range doctree.Kinds() {
		if other == kind || len(result.NewFieldIDs) == 0 {
			continue
		}
		mirrored, err := rows.MirrorAddedRow(w.editors[other].Document(), result.NewFieldIDs)
		if err != nil {
			return change, err
		}
		if mirrored.Inserted {
			change.Mirrored[other] = mirrored.NewFieldIDs
		}
	}
	return change, nil
}

// Replacement reports a setContent call.
type Replacement struct {
	RemovedFields []string             `json:"removedFields,omitempty"`
	RowsRemoved   map[doctree.Kind]int `json:"rowsRemoved,omitempty"`
	Fingerprint   string               `json:"fingerprint"`
}

// ReplaceContent swaps kind's document for markup. When expected is set it
// must match the current fingerprint. Rows deleted by the replacement are
// removed from sibling documents too.
func (w *Workspace) ReplaceContent(kind doctree.Kind, markup, expected string) (Replacement, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return Replacement{}, err
	}
	current := e.Document()
	if expected != "" && expected != doctree.Fingerprint(current) {
		return Replacement{}, ErrStaleRevision
	}
	next, err := doctree.Unmarshal(kind, markup)
	if err != nil {
		return Replacement{}, err
	}
	next.PendingMapped = len(propagate.ReviewMappedFields(next)) > 0

	removed := rows.DetectDeletedRows(current, next)
	e.Replace(next)

	result := Replacement{RemovedFields: removed, Fingerprint: doctree.Fingerprint(next)}
	if len(removed) == 0 {
		return result, nil
	}
	result.RowsRemoved = make(map[doctree.Kind]int)
	for _, other := range doctree.Kinds() {
		if other == kind {
			continue
		}
		n, err := rows.RemoveRowsWithFields(w.editors[other].Document(), removed)
		if err != nil {
			return result, err
		}
		if n > 0 {
			result.RowsRemoved[other] = n
		}
	}
	w.log.Info("rows removed",
		zap.Stringer("step", kind),
		zap.Strings("field_ids", removed),
	)
	return result, nil
}

func (w *Workspace) Review(kind doctree.Kind) ([]propagate.MappedField, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return nil, err
	}
	return propagate.ReviewMappedFields(e.Document()), nil
}

func (w *Workspace) Confirm(kind doctree.Kind) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return err
	}
	return propagate.ConfirmMappedData(e.Document())
}

func (w *Workspace) Progress() completion.Progress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eval.Gate(w.documents())
}

// Evaluate explains why kind is incomplete.
func (w *Workspace) Evaluate(kind doctree.Kind) (completion.Report, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return completion.Report{}, err
	}
	return w.eval.Evaluate(e.Document()), nil
}

// Content returns kind's markup and its fingerprint.
func (w *Workspace) Content(kind doctree.Kind) (markup, fingerprint string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return "", "", err
	}
	return doctree.Marshal(e.Document()), doctree.Fingerprint(e.Document()), nil
}

// Document returns a copy of kind's document.
func (w *Workspace) Document(kind doctree.Kind) (*doctree.Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, err := w.editor(kind)
	if err != nil {
		return nil, err
	}
	return e.Document().Clone(), nil
}
