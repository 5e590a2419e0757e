package syncer

import (
	"go.uber.org/zap"

	"tradeflow/api/internal/doctree"
)

// Editor owns one document and routes every mutation through Dispatch.
// User transactions that touch fields trigger a synchronization pass whose
// own transaction carries OriginSync, which Dispatch never re-synchronizes.
type Editor struct {
	doc       *doctree.Document
	sync      *Synchronizer
	syncing   bool
	listeners []func(*doctree.Transaction)
}

func NewEditor(doc *doctree.Document, sync *Synchronizer) *Editor {
	if sync == nil {
		sync = New(nil)
	}
	return &Editor{doc: doc, sync: sync}
}

func (e *Editor) Document() *doctree.Document {
	return e.doc
}

// Replace swaps the edited document, e.g. after setContent.
func (e *Editor) Replace(doc *doctree.Document) {
	e.doc = doc
}

// OnChange registers a hook called after every applied transaction.
func (e *Editor) OnChange(fn func(*doctree.Transaction)) {
	e.listeners = append(e.listeners, fn)
}

// Dispatch applies tx and, for user input, synchronizes the edited fields.
func (e *Editor) Dispatch(tx *doctree.Transaction) ([]Result, error) {
	if err := e.doc.Apply(tx); err != nil {
		return nil, err
	}
	for _, fn := range e.listeners {
		fn(tx)
	}
	if tx.Origin != doctree.OriginUser || e.syncing {
		return nil, nil
	}

	e.syncing = true
	defer func() { e.syncing = false }()

	var results []Result
	seen := make(map[string]bool)
	for _, step := range tx.Steps {
		if step.Op != doctree.OpSetField || seen[step.Path.String()] {
			continue
		}
		seen[step.Path.String()] = true
		ref, ok := e.doc.Field(step.Path)
		if !ok {
			continue
		}
		syncTx, result := e.sync.Plan(e.doc, ref.ID(), step.Path)
		if _, err := e.Dispatch(syncTx); err != nil {
			e.sync.log.Warn("sync transaction rejected", zap.Error(err), zap.String("field_id", ref.ID()))
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// Edit replaces the text of the field at path as if typed by the user.
func (e *Editor) Edit(path doctree.Path, text string) (Result, error) {
	ref, ok := e.doc.Field(path)
	if !ok {
		return Result{}, nil
	}
	tx := doctree.NewTransaction(doctree.OriginUser).Add(doctree.SetField(path, text, ref.Provenance()))
	results, err := e.Dispatch(tx)
	if err != nil || len(results) == 0 {
		return Result{FieldID: ref.ID()}, err
	}
	return results[0], nil
}

// Select checks an exclusivity group option. It reports false when the
// option does not exist.
func (e *Editor) Select(groupID, option string) (bool, error) {
	tx, ok := PlanSelect(e.doc, groupID, option)
	if !ok {
		return false, nil
	}
	_, err := e.Dispatch(tx)
	return err == nil, err
}

func (e *Editor) Toggle(path doctree.Path) (bool, error) {
	tx, ok := PlanToggle(e.doc, path)
	if !ok {
		return false, nil
	}
	_, err := e.Dispatch(tx)
	return err == nil, err
}

// ApplyFieldChanges performs a bulk external write tagged as Agent.
func (e *Editor) ApplyFieldChanges(changes []Change) (applied, unknown []string, err error) {
	tx, applied, unknown := PlanFieldChanges(e.doc, changes)
	if _, err := e.Dispatch(tx); err != nil {
		return nil, nil, err
	}
	return applied, unknown, nil
}
