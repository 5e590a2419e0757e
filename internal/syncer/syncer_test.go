package syncer

import (
	"testing"

	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
)

const contractTemplate = `
<p>Buyer: <mark>[buyer_name]</mark> (<mark>[buyer_country]</mark>)</p>
<p>Payment terms:
<span data-group-id="payment_method" data-option="L/C" data-linked-fields="lc_bank lc_number">L/C</span>
<span data-group-id="payment_method" data-option="T/T">T/T</span></p>
<p>Issuing bank: <mark>[lc_bank]</mark> No. <mark>[lc_number]</mark></p>
<p>Signed for and on behalf of <mark>[buyer_name]</mark></p>
<p><span data-option="insurance">Insurance required</span></p>
`

func newEditor(t *testing.T) *Editor {
	t.Helper()
	doc, err := doctree.Hydrate(doctree.KindContract, contractTemplate)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	return NewEditor(doc, New(nil))
}

func assertPlaceholderConsistent(t *testing.T, doc *doctree.Document) {
	t.Helper()
	for _, ref := range doc.Fields() {
		isPlaceholder := ref.Value() == fields.Placeholder(ref.ID())
		if isPlaceholder != (ref.Provenance() == fields.None) {
			t.Fatalf("field %s at %s breaks the placeholder rule: value=%q provenance=%q",
				ref.ID(), ref.Path, ref.Value(), ref.Provenance())
		}
	}
}

func TestEditPropagatesWithinDocument(t *testing.T) {
	editor := newEditor(t)
	occurrences := editor.Document().Occurrences("buyer_name")
	if len(occurrences) != 2 {
		t.Fatalf("expected 2 buyer_name occurrences, got %d", len(occurrences))
	}

	result, err := editor.Edit(occurrences[0].Path, "Acme Corp")
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if result.Changed != 1 {
		t.Fatalf("Changed = %d, want 1", result.Changed)
	}

	after := editor.Document().Occurrences("buyer_name")
	if after[0].Value() != "Acme Corp" || after[0].Provenance() != fields.User {
		t.Fatalf("edited occurrence = (%q, %q), want (Acme Corp, user)", after[0].Value(), after[0].Provenance())
	}
	if after[1].Value() != "Acme Corp" || after[1].Provenance() != fields.Mapped {
		t.Fatalf("sibling occurrence = (%q, %q), want (Acme Corp, mapped)", after[1].Value(), after[1].Provenance())
	}
	assertPlaceholderConsistent(t, editor.Document())
}

func TestClearingFieldRestoresPlaceholder(t *testing.T) {
	editor := newEditor(t)
	path := editor.Document().Occurrences("buyer_name")[0].Path
	if _, err := editor.Edit(path, "Acme Corp"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}

	result, err := editor.Edit(path, "")
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if !result.Restored {
		t.Fatal("expected Restored")
	}
	if result.Selection == nil || result.Selection.From != 0 || result.Selection.To != len("[buyer_name]") {
		t.Fatalf("Selection = %+v, want the full placeholder selected", result.Selection)
	}

	after := editor.Document().Occurrences("buyer_name")
	if len(after) != 2 {
		t.Fatalf("field nodes must survive clearing, got %d occurrences", len(after))
	}
	for _, ref := range after {
		if ref.Value() != "[buyer_name]" || ref.Provenance() != fields.None {
			t.Fatalf("occurrence at %s = (%q, %q), want placeholder", ref.Path, ref.Value(), ref.Provenance())
		}
	}
	assertPlaceholderConsistent(t, editor.Document())
}

func TestTypingBesidePlaceholderStripsIt(t *testing.T) {
	editor := newEditor(t)
	path := editor.Document().Occurrences("buyer_country")[0].Path

	result, err := editor.Edit(path, "[buyer_country]V")
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if result.Value != "V" {
		t.Fatalf("Value = %q, want V", result.Value)
	}
	ref, _ := editor.Document().Field(path)
	if ref.Value() != "V" || ref.Provenance() != fields.User {
		t.Fatalf("field = (%q, %q)", ref.Value(), ref.Provenance())
	}
}

func TestAgentProvenanceNotDowngraded(t *testing.T) {
	editor := newEditor(t)
	if _, _, err := editor.ApplyFieldChanges([]Change{{FieldID: "buyer_name", Value: "Globex"}}); err != nil {
		t.Fatalf("ApplyFieldChanges() error = %v", err)
	}
	path := editor.Document().Occurrences("buyer_name")[0].Path

	if _, err := editor.Edit(path, "Globex Ltd"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	ref, ok := editor.Document().Field(path)
	if !ok || ref.Provenance() != fields.Agent {
		t.Fatalf("provenance = %q, want agent", ref.Provenance())
	}
	second := editor.Document().Occurrences("buyer_name")[1]
	if second.Value() != "Globex Ltd" || second.Provenance() != fields.Mapped {
		t.Fatalf("sibling = (%q, %q)", second.Value(), second.Provenance())
	}
}

func TestApplyFieldChangesReportsUnknown(t *testing.T) {
	editor := newEditor(t)
	applied, unknown, err := editor.ApplyFieldChanges([]Change{
		{FieldID: "buyer_name", Value: "Initech"},
		{FieldID: "vessel_name", Value: "Ever Given"},
		{FieldID: "buyer_country", Value: ""},
	})
	if err != nil {
		t.Fatalf("ApplyFieldChanges() error = %v", err)
	}
	if len(applied) != 2 || len(unknown) != 1 || unknown[0] != "vessel_name" {
		t.Fatalf("applied=%v unknown=%v", applied, unknown)
	}
	for _, ref := range editor.Document().Occurrences("buyer_name") {
		if ref.Value() != "Initech" || ref.Provenance() != fields.Agent {
			t.Fatalf("occurrence = (%q, %q), want (Initech, agent)", ref.Value(), ref.Provenance())
		}
	}
	assertPlaceholderConsistent(t, editor.Document())
}

func TestMissingNodeIsNoOp(t *testing.T) {
	editor := newEditor(t)
	before := doctree.Marshal(editor.Document())

	sync := New(nil)
	result := sync.OnEdit(editor.Document(), "buyer_name", doctree.Path{42, 7})
	if result.Changed != 0 || result.Restored {
		t.Fatalf("unexpected result %+v", result)
	}
	wrongID := sync.OnEdit(editor.Document(), "lc_bank", editor.Document().Occurrences("buyer_name")[0].Path)
	if wrongID.Changed != 0 {
		t.Fatalf("unexpected result %+v", wrongID)
	}
	if doctree.Marshal(editor.Document()) != before {
		t.Fatal("no-op edit changed the document")
	}
}

func TestSyncTransactionsDoNotRetrigger(t *testing.T) {
	editor := newEditor(t)
	var origins []doctree.Origin
	editor.OnChange(func(tx *doctree.Transaction) {
		origins = append(origins, tx.Origin)
	})

	path := editor.Document().Occurrences("buyer_name")[0].Path
	if _, err := editor.Edit(path, "Acme"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if len(origins) != 2 || origins[0] != doctree.OriginUser || origins[1] != doctree.OriginSync {
		t.Fatalf("dispatched origins = %v, want [user sync]", origins)
	}

	origins = nil
	syncTx, _ := New(nil).Plan(editor.Document(), "buyer_name", path)
	if _, err := editor.Dispatch(syncTx); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(origins) != 1 {
		t.Fatalf("sync-origin dispatch triggered %d transactions, want 1", len(origins))
	}
}

func TestSelectEnforcesExclusivity(t *testing.T) {
	editor := newEditor(t)
	clicks := []string{"L/C", "T/T", "T/T", "L/C", "T/T"}
	for _, option := range clicks {
		ok, err := editor.Select("payment_method", option)
		if err != nil || !ok {
			t.Fatalf("Select(%s) = %v, %v", option, ok, err)
		}
		checked := 0
		for _, opt := range editor.Document().Groups()["payment_method"] {
			if opt.Checked() {
				checked++
				if opt.Option() != option {
					t.Fatalf("checked option = %s, want %s", opt.Option(), option)
				}
			}
		}
		if checked != 1 {
			t.Fatalf("after clicking %s, %d options are checked", option, checked)
		}
		assertPlaceholderConsistent(t, editor.Document())
	}

	if ok, _ := editor.Select("payment_method", "D/P"); ok {
		t.Fatal("selecting an unknown option must report false")
	}
}

func TestSelectSetsLinkedFieldsNotApplicable(t *testing.T) {
	editor := newEditor(t)
	if _, err := editor.Select("payment_method", "T/T"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	for _, id := range []string{"lc_bank", "lc_number"} {
		ref := editor.Document().Occurrences(id)[0]
		if ref.Value() != fields.NotApplicable {
			t.Fatalf("%s = %q, want %s", id, ref.Value(), fields.NotApplicable)
		}
	}

	if _, err := editor.Select("payment_method", "L/C"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	for _, id := range []string{"lc_bank", "lc_number"} {
		ref := editor.Document().Occurrences(id)[0]
		if !ref.IsPlaceholder() {
			t.Fatalf("%s = %q, want placeholder after re-selecting L/C", id, ref.Value())
		}
	}
}

func TestToggleStandaloneCheckbox(t *testing.T) {
	editor := newEditor(t)
	var path doctree.Path
	for _, opt := range editor.Document().Options() {
		if opt.Option() == "insurance" {
			path = opt.Path
		}
	}
	if ok, err := editor.Toggle(path); !ok || err != nil {
		t.Fatalf("Toggle() = %v, %v", ok, err)
	}
	if !doctree.NodeAt(editor.Document().Root, path).AttrBool(doctree.AttrChecked) {
		t.Fatal("expected checkbox checked")
	}
	if _, err := editor.Toggle(path); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if doctree.NodeAt(editor.Document().Root, path).AttrBool(doctree.AttrChecked) {
		t.Fatal("expected checkbox unchecked")
	}
}
