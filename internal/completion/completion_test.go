package completion

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
	"tradeflow/api/internal/syncer"
)

const paymentTemplate = `<p>Payment:
<span data-group-id="payment" data-option="lc" data-linked-fields="lc_bank lc_number">L/C</span>
<span data-group-id="payment" data-option="tt">T/T</span></p>
<p>Bank: <mark>[lc_bank]</mark> No.: <mark>[lc_number]</mark></p>
<p>Buyer: <mark>[buyer_name]</mark> Remarks: <mark>[remarks_optional]</mark></p>`

func hydrate(t *testing.T, kind doctree.Kind, markup string) *doctree.Document {
	t.Helper()
	doc, err := doctree.Hydrate(kind, markup)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	return doc
}

func fill(t *testing.T, editor *syncer.Editor, id, value string) {
	t.Helper()
	occ := editor.Document().Occurrences(id)
	if len(occ) == 0 {
		t.Fatalf("no field %s", id)
	}
	if _, err := editor.Edit(occ[0].Path, value); err != nil {
		t.Fatalf("Edit(%s) error = %v", id, err)
	}
}

func TestLinkedFieldsFollowSelection(t *testing.T) {
	editor := syncer.NewEditor(hydrate(t, doctree.KindContract, paymentTemplate), nil)
	fill(t, editor, "buyer_name", "Acme")

	report := NewEvaluator(fields.DefaultRules()).Evaluate(editor.Document())
	if diff := cmp.Diff([]string{"payment"}, report.EmptyGroups); diff != "" {
		t.Fatalf("empty groups mismatch (-want +got):\n%s", diff)
	}
	if IsComplete(editor.Document()) {
		t.Fatal("a group without a selection must fail completion")
	}

	if ok, err := editor.Select("payment", "tt"); err != nil || !ok {
		t.Fatalf("Select(tt) = %v, %v", ok, err)
	}
	if !IsComplete(editor.Document()) {
		t.Fatalf("T/T with buyer filled should be complete: %+v", NewEvaluator(fields.DefaultRules()).Evaluate(editor.Document()))
	}
	for _, id := range []string{"lc_bank", "lc_number"} {
		if got := editor.Document().Occurrences(id)[0].Value(); got != fields.NotApplicable {
			t.Fatalf("%s = %q, want N/A", id, got)
		}
	}

	if _, err := editor.Select("payment", "lc"); err != nil {
		t.Fatalf("Select(lc) error = %v", err)
	}
	report = NewEvaluator(fields.DefaultRules()).Evaluate(editor.Document())
	if diff := cmp.Diff([]string{"lc_bank", "lc_number"}, report.Missing); diff != "" {
		t.Fatalf("missing mismatch (-want +got):\n%s", diff)
	}

	fill(t, editor, "lc_bank", "Bank of China")
	fill(t, editor, "lc_number", "LC-2024-001")
	if !IsComplete(editor.Document()) {
		t.Fatal("L/C with details filled should be complete")
	}
}

func TestUnselectedLinkedFieldsAreExempt(t *testing.T) {
	doc, err := doctree.Unmarshal(doctree.KindContract, `
<p><span data-group-id="payment" data-option="lc" data-linked-fields="lc_bank">L/C</span>
<span data-group-id="payment" data-option="tt" data-checked="true">T/T</span></p>
<p><span data-field-id="lc_bank">[lc_bank]</span></p>`)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	report := NewEvaluator(fields.DefaultRules()).Evaluate(doc)
	if !report.Complete() {
		t.Fatalf("report = %+v, want complete", report)
	}
	if diff := cmp.Diff([]string{"lc_bank"}, report.Exempt); diff != "" {
		t.Fatalf("exempt mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectedOptionRejectsNotApplicable(t *testing.T) {
	doc, err := doctree.Unmarshal(doctree.KindContract, `
<p><span data-group-id="payment" data-option="lc" data-linked-fields="lc_bank" data-checked="true">L/C</span>
<span data-group-id="payment" data-option="tt" data-linked-fields="tt_account">T/T</span></p>
<p><span data-field-id="lc_bank" data-source="mapped">N/A</span>
<span data-field-id="tt_account" data-source="user">N/A</span>
<span data-field-id="remarks" data-source="user">N/A</span></p>`)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	report := NewEvaluator(fields.DefaultRules()).Evaluate(doc)
	if diff := cmp.Diff([]string{"lc_bank"}, report.Missing); diff != "" {
		t.Fatalf("missing mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"tt_account"}, report.Exempt); diff != "" {
		t.Fatalf("exempt mismatch (-want +got):\n%s", diff)
	}
}

func TestOptionalFields(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		want   bool
	}{
		{"empty document", `<p>Terms and conditions.</p>`, true},
		{"optional suffix", `<p><span data-field-id="notes_optional">[notes_optional]</span></p>`, true},
		{"optional prefix", `<p><span data-field-id="opt_notes">[opt_notes]</span></p>`, true},
		{"disabled", `<p><span data-field-id="vessel" data-disabled="true">[vessel]</span></p>`, true},
		{"required placeholder", `<p><span data-field-id="vessel">[vessel]</span></p>`, false},
		{"required filled", `<p><span data-field-id="vessel" data-source="user">MSC Anna</span></p>`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := doctree.Unmarshal(doctree.KindPackingList, tt.markup)
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got := IsComplete(doc); got != tt.want {
				t.Errorf("IsComplete() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGateUnlocksStepByStep(t *testing.T) {
	offer := hydrate(t, doctree.KindOffer, `<p><mark>[buyer_name]</mark></p>`)
	proforma := hydrate(t, doctree.KindProforma, `<p><mark>[pi_no]</mark></p>`)
	contract := hydrate(t, doctree.KindContract, `<p>No fields.</p>`)
	docs := []*doctree.Document{offer, proforma, contract}

	progress := Gate(docs)
	if progress.Unlocked != doctree.KindOffer {
		t.Fatalf("unlocked = %v, want offer", progress.Unlocked)
	}
	if progress.CanNavigate(doctree.KindProforma) {
		t.Fatal("proforma must stay locked while the offer is incomplete")
	}

	if _, err := syncer.NewEditor(offer, nil).Edit(offer.Occurrences("buyer_name")[0].Path, "Acme"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	progress = Gate(docs)
	if progress.Unlocked != doctree.KindProforma {
		t.Fatalf("unlocked = %v, want proforma", progress.Unlocked)
	}

	if _, err := syncer.NewEditor(proforma, nil).Edit(proforma.Occurrences("pi_no")[0].Path, "PI-7"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	progress = Gate(docs)
	// The contract is vacuously complete, but the invoice is missing.
	if progress.Unlocked != doctree.KindCommercialInvoice {
		t.Fatalf("unlocked = %v, want commercial_invoice", progress.Unlocked)
	}
	if progress.CanNavigate(doctree.KindPackingList) {
		t.Fatal("packing list must stay locked")
	}
	if len(progress.Steps) != 5 || progress.Steps[3].Complete {
		t.Fatalf("steps = %+v", progress.Steps)
	}
}
