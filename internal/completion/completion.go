// Package completion decides whether a document is ready for the next step.
package completion

import (
	"sort"

	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
)

// Report explains why a document is incomplete.
type Report struct {
	// Missing are required field ids still showing their placeholder, plus
	// fields of the selected option that hold fields.NotApplicable.
	Missing []string `json:"missing,omitempty"`
	// EmptyGroups are exclusivity groups with no checked member.
	EmptyGroups []string `json:"emptyGroups,omitempty"`
	// Exempt are linked fields not required by the current selection.
	Exempt []string `json:"exempt,omitempty"`
}

func (r Report) Complete() bool {
	return len(r.Missing) == 0 && len(r.EmptyGroups) == 0
}

type Evaluator struct {
	Rules fields.Rules
}

func NewEvaluator(rules fields.Rules) *Evaluator {
	return &Evaluator{Rules: rules}
}

var defaultEvaluator = NewEvaluator(fields.DefaultRules())

// IsComplete evaluates doc with the default optional-field rules. A
// document without fields or groups is complete.
func IsComplete(doc *doctree.Document) bool {
	return defaultEvaluator.Evaluate(doc).Complete()
}

// Evaluate walks doc's groups and fields. Only the linked fields of the
// checked option are required; fields linked to other options of the same
// group are exempt for this pass.
func (e *Evaluator) Evaluate(doc *doctree.Document) Report {
	var report Report

	required := make(map[string]bool)
	linked := make(map[string]bool)
	groups := doc.Groups()
	groupIDs := make([]string, 0, len(groups))
	for id := range groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	for _, id := range groupIDs {
		checked := false
		for _, opt := range groups[id] {
			for _, fieldID := range opt.LinkedFields() {
				linked[fieldID] = true
				if opt.Checked() {
					required[fieldID] = true
				}
			}
			checked = checked || opt.Checked()
		}
		if !checked {
			report.EmptyGroups = append(report.EmptyGroups, id)
		}
	}

	seen := make(map[string]bool)
	exempt := make(map[string]bool)
	for _, ref := range doc.Fields() {
		id := ref.ID()
		if linked[id] && !required[id] {
			if !exempt[id] {
				exempt[id] = true
				report.Exempt = append(report.Exempt, id)
			}
			continue
		}
		if ref.Disabled() || e.Rules.IsOptional(id) {
			continue
		}
		unfilled := ref.IsPlaceholder() || (required[id] && ref.Value() == fields.NotApplicable)
		if unfilled && !seen[id] {
			seen[id] = true
			report.Missing = append(report.Missing, id)
		}
	}
	return report
}

// StepStatus is the completion state of one document.
type StepStatus struct {
	Kind     doctree.Kind `json:"step"`
	Name     string       `json:"name"`
	Complete bool         `json:"complete"`
	Report   Report       `json:"report"`
}

// Progress summarizes a trade's documents in step order.
type Progress struct {
	Steps []StepStatus `json:"steps"`
	// Unlocked is the highest step the operator may navigate to.
	Unlocked doctree.Kind `json:"unlocked"`
}

// CanNavigate reports whether step to is reachable.
func (p Progress) CanNavigate(to doctree.Kind) bool {
	return to.Valid() && to <= p.Unlocked
}

// Gate evaluates every document. Step n+1 unlocks only once steps 0..n are
// all complete; nil documents count as incomplete.
func (e *Evaluator) Gate(docs []*doctree.Document) Progress {
	byKind := make(map[doctree.Kind]*doctree.Document, len(docs))
	for _, doc := range docs {
		if doc != nil {
			byKind[doc.Kind] = doc
		}
	}

	progress := Progress{Unlocked: doctree.KindOffer}
	blocked := false
	for _, kind := range doctree.Kinds() {
		status := StepStatus{Kind: kind, Name: kind.String()}
		if doc, ok := byKind[kind]; ok {
			status.Report = e.Evaluate(doc)
			status.Complete = status.Report.Complete()
		}
		progress.Steps = append(progress.Steps, status)
		if blocked {
			continue
		}
		if !status.Complete {
			blocked = true
			continue
		}
		if next := kind + 1; next.Valid() {
			progress.Unlocked = next
		}
	}
	return progress
}

// Gate evaluates docs with the default rules.
func Gate(docs []*doctree.Document) Progress {
	return defaultEvaluator.Gate(docs)
}
