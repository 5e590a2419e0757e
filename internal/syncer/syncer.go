// Package syncer keeps every occurrence of a field consistent inside one
// document and enforces radio semantics for exclusivity groups.
package syncer

import (
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
)

// Selection is the caret range, in characters, inside the field at Path.
type Selection struct {
	Path doctree.Path `json:"path"`
	From int          `json:"from"`
	To   int          `json:"to"`
}

// Result describes what a synchronization pass did.
type Result struct {
	FieldID    string            `json:"fieldId"`
	Value      string            `json:"value"`
	Provenance fields.Provenance `json:"-"`
	// Changed counts sibling occurrences rewritten to the edited value.
	Changed int `json:"changed"`
	// Restored is set when the edited field fell back to its placeholder.
	Restored  bool       `json:"restored"`
	Selection *Selection `json:"selection,omitempty"`
}

type Synchronizer struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{log: log}
}

// Plan computes the sync transaction for an edit of the field at pos. The
// transaction carries OriginSync so that dispatching it never re-triggers
// synchronization. A position that does not hold fieldID yields an empty
// transaction.
func (s *Synchronizer) Plan(doc *doctree.Document, fieldID string, pos doctree.Path) (*doctree.Transaction, Result) {
	tx := doctree.NewTransaction(doctree.OriginSync)
	edited, ok := doc.Field(pos)
	if !ok || edited.ID() != fieldID {
		s.log.Debug("edited field not found",
			zap.String("field_id", fieldID),
			zap.Stringer("path", pos),
			zap.Stringer("kind", doc.Kind))
		return tx, Result{FieldID: fieldID}
	}

	placeholder := fields.Placeholder(fieldID)
	raw := edited.Value()
	value := raw
	// Typing beside an unselected placeholder leaves it in the text.
	if value != placeholder && strings.Contains(value, placeholder) {
		value = strings.Replace(value, placeholder, "", 1)
	}
	value, prov := fields.Normalize(fieldID, value, edited.Provenance())
	if prov != fields.None && prov != fields.Agent {
		prov = fields.User
	}
	if value != raw || prov != edited.Provenance() {
		tx.Add(doctree.SetField(pos, value, prov))
	}
	if edited.Pending() {
		tx.Add(doctree.SetAttr(pos, doctree.AttrPending, false))
	}

	siblingProv := fields.Mapped
	if prov == fields.None {
		siblingProv = fields.None
	}
	result := Result{FieldID: fieldID, Value: value, Provenance: prov}
	for _, other := range doc.Occurrences(fieldID) {
		if samePath(other.Path, pos) {
			continue
		}
		if other.Value() == value {
			continue
		}
		tx.Add(doctree.SetField(other.Path, value, siblingProv))
		result.Changed++
	}

	if prov == fields.None {
		result.Restored = true
		result.Selection = &Selection{Path: pos, From: 0, To: utf8.RuneCountInString(placeholder)}
	}
	return tx, result
}

// OnEdit synchronizes all occurrences of fieldID with the node at pos and
// applies the result as one transaction. It never fails: structural
// problems degrade to a no-op.
func (s *Synchronizer) OnEdit(doc *doctree.Document, fieldID string, pos doctree.Path) Result {
	tx, result := s.Plan(doc, fieldID, pos)
	if err := doc.Apply(tx); err != nil {
		s.log.Warn("sync transaction rejected", zap.Error(err), zap.String("field_id", fieldID))
		return Result{FieldID: fieldID}
	}
	return result
}

func samePath(a, b doctree.Path) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
