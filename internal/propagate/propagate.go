// Package propagate moves field values between the documents of a trade
// through the session's shared data pool. It runs at checkpoints only
// (navigation, save, agent application), never per keystroke.
package propagate

import (
	"context"
	"fmt"
	"sort"

	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
	"tradeflow/api/internal/session"
)

// Extract collects the first non-placeholder value seen for every field id.
// Option-linked fields holding fields.NotApplicable are skipped: that value
// only records the local selection.
func Extract(doc *doctree.Document) map[string]string {
	values := make(map[string]string)
	linked := doc.LinkedFieldIDs()
	for _, ref := range doc.Fields() {
		id := ref.ID()
		if _, seen := values[id]; seen || ref.IsPlaceholder() {
			continue
		}
		if linked[id] && ref.Value() == fields.NotApplicable {
			continue
		}
		values[id] = ref.Value()
	}
	return values
}

// Plan builds the transaction that writes pool values into doc. Every
// field whose value differs from the pool is overwritten and tagged
// Mapped, including fields the operator edited in this document: the pool
// holds the latest known value and the pending flag lets the operator
// review what changed. fields.NotApplicable never lands in an option-linked
// field, whose requirement depends on this document's own selection.
func Plan(doc *doctree.Document, pool map[string]string) (*doctree.Transaction, []string) {
	tx := doctree.NewTransaction(doctree.OriginPropagate)
	var ids []string
	seen := make(map[string]bool)
	linked := doc.LinkedFieldIDs()
	for _, ref := range doc.Fields() {
		value, ok := pool[ref.ID()]
		if !ok || fields.IsPlaceholder(ref.ID(), value) || ref.Value() == value {
			continue
		}
		if linked[ref.ID()] && value == fields.NotApplicable {
			continue
		}
		tx.Add(
			doctree.SetField(ref.Path, value, fields.Mapped),
			doctree.SetAttr(ref.Path, doctree.AttrPending, true),
		)
		if !seen[ref.ID()] {
			seen[ref.ID()] = true
			ids = append(ids, ref.ID())
		}
	}
	return tx, ids
}

// Propagate applies pool values to doc and reports whether anything
// changed. Changes raise the document's PendingMapped flag.
func Propagate(doc *doctree.Document, pool map[string]string) (bool, []string, error) {
	tx, ids := Plan(doc, pool)
	if tx.Empty() {
		return false, nil, nil
	}
	if err := doc.Apply(tx); err != nil {
		return false, nil, fmt.Errorf("apply propagation to %s: %w", doc.Kind, err)
	}
	doc.PendingMapped = true
	return true, ids, nil
}

// Harvest extracts doc and merges the result into pool.
func Harvest(ctx context.Context, pool session.Pool, doc *doctree.Document) (map[string]string, error) {
	values := Extract(doc)
	if err := pool.Merge(ctx, values); err != nil {
		return nil, fmt.Errorf("harvest %s: %w", doc.Kind, err)
	}
	return values, nil
}

// Outcome lists what a checkpoint changed per document kind.
type Outcome map[doctree.Kind][]string

// Kinds returns the documents that received values, in step order.
func (o Outcome) Kinds() []doctree.Kind {
	kinds := make([]doctree.Kind, 0, len(o))
	for kind := range o {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// PushAll propagates the pool into every document except source.
func PushAll(ctx context.Context, pool session.Pool, docs []*doctree.Document, source doctree.Kind) (Outcome, error) {
	snapshot, err := pool.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pool: %w", err)
	}
	outcome := make(Outcome)
	for _, doc := range docs {
		if doc == nil || doc.Kind == source {
			continue
		}
		changed, ids, err := Propagate(doc, snapshot)
		if err != nil {
			return outcome, err
		}
		if changed {
			outcome[doc.Kind] = ids
		}
	}
	return outcome, nil
}

// MappedField is a field auto-filled by propagation and awaiting review.
type MappedField struct {
	FieldID string       `json:"fieldId"`
	Value   string       `json:"value"`
	Path    doctree.Path `json:"path"`
}

// ReviewMappedFields lists fields still pending confirmation.
func ReviewMappedFields(doc *doctree.Document) []MappedField {
	var out []MappedField
	for _, ref := range doc.Fields() {
		if ref.Pending() {
			out = append(out, MappedField{FieldID: ref.ID(), Value: ref.Value(), Path: ref.Path})
		}
	}
	return out
}

// ConfirmMappedData clears the pending state after the operator has seen
// the auto-filled values. Provenance stays Mapped.
func ConfirmMappedData(doc *doctree.Document) error {
	tx := doctree.NewTransaction(doctree.OriginPropagate)
	for _, ref := range doc.Fields() {
		if ref.Pending() {
			tx.Add(doctree.SetAttr(ref.Path, doctree.AttrPending, false))
		}
	}
	if err := doc.Apply(tx); err != nil {
		return fmt.Errorf("confirm mapped data on %s: %w", doc.Kind, err)
	}
	doc.PendingMapped = false
	return nil
}
