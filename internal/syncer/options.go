package syncer

import (
	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
)

// PlanSelect checks option within groupID and unchecks every sibling first.
// Fields linked to unselected options are forced to fields.NotApplicable;
// fields linked to the selected option are reopened if they were exempted.
// It returns false when the group or option does not exist.
func PlanSelect(doc *doctree.Document, groupID, option string) (*doctree.Transaction, bool) {
	tx := doctree.NewTransaction(doctree.OriginUser)
	members := doc.Groups()[groupID]
	var target *doctree.OptionRef
	for i := range members {
		if members[i].Option() == option {
			target = &members[i]
			break
		}
	}
	if target == nil {
		return tx, false
	}

	for _, member := range members {
		want := member.Option() == option
		if member.Checked() != want {
			tx.Add(doctree.SetChecked(member.Path, want))
		}
	}

	required := make(map[string]bool)
	for _, id := range target.LinkedFields() {
		required[id] = true
	}
	exempt := make(map[string]bool)
	for _, member := range members {
		for _, id := range member.LinkedFields() {
			if !required[id] {
				exempt[id] = true
			}
		}
	}

	for _, ref := range doc.Fields() {
		id := ref.ID()
		switch {
		case exempt[id] && ref.Value() != fields.NotApplicable:
			tx.Add(doctree.SetField(ref.Path, fields.NotApplicable, fields.User))
		case required[id] && ref.Value() == fields.NotApplicable:
			tx.Add(doctree.SetField(ref.Path, "", fields.None))
		}
	}
	return tx, true
}

// PlanToggle flips a stand-alone checkbox. Options that belong to a group
// behave like radio buttons and are selected instead.
func PlanToggle(doc *doctree.Document, path doctree.Path) (*doctree.Transaction, bool) {
	n := doctree.NodeAt(doc.Root, path)
	if !n.IsOption() {
		return doctree.NewTransaction(doctree.OriginUser), false
	}
	if group := n.AttrString(doctree.AttrGroupID); group != "" {
		return PlanSelect(doc, group, n.AttrString(doctree.AttrOption))
	}
	tx := doctree.NewTransaction(doctree.OriginUser).Add(doctree.SetChecked(path, !n.AttrBool(doctree.AttrChecked)))
	return tx, true
}

// Change is an external bulk write, typically produced by an AI agent.
type Change struct {
	FieldID string `json:"fieldId"`
	Value   string `json:"value"`
}

// PlanFieldChanges writes each change into every occurrence of its field
// with Agent provenance. Unknown field ids are reported, not applied.
func PlanFieldChanges(doc *doctree.Document, changes []Change) (tx *doctree.Transaction, applied, unknown []string) {
	tx = doctree.NewTransaction(doctree.OriginAgent)
	for _, change := range changes {
		occurrences := doc.Occurrences(change.FieldID)
		if len(occurrences) == 0 {
			unknown = append(unknown, change.FieldID)
			continue
		}
		for _, ref := range occurrences {
			tx.Add(doctree.SetField(ref.Path, change.Value, fields.Agent))
			if ref.Pending() {
				tx.Add(doctree.SetAttr(ref.Path, doctree.AttrPending, false))
			}
		}
		applied = append(applied, change.FieldID)
	}
	return tx, applied, unknown
}
