// Package rows clones and removes repeating table rows while keeping field
// identifiers unique, and mirrors those structural edits into sibling
// documents so table shapes stay aligned across a trade.
package rows

import (
	"sort"
	"strings"

	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/fields"
)

// MinRowFields is how many fields a row needs to serve as a clone template.
const MinRowFields = 2

// Result describes a row insertion.
type Result struct {
	// NewFieldIDs are the identifiers allocated for the inserted row.
	NewFieldIDs []string `json:"newFieldIds,omitempty"`
	// Fallback is set when no template row existed and an empty row with
	// the anchor's cell count was inserted instead.
	Fallback bool         `json:"fallback,omitempty"`
	Inserted bool         `json:"inserted"`
	RowPath  doctree.Path `json:"rowPath,omitempty"`
}

type target struct {
	table    doctree.Path
	insertAt int
	shape    *doctree.Node
}

// resolve finds where a new row goes: before the row containing anchor, or
// at the end of the table when anchor addresses the table itself.
func resolve(doc *doctree.Document, anchor doctree.Path) (target, bool) {
	n := doctree.NodeAt(doc.Root, anchor)
	if n != nil && n.Type == doctree.TypeTable {
		t := target{table: anchor, insertAt: len(n.Content)}
		if len(n.Content) > 0 {
			t.shape = n.Content[len(n.Content)-1]
		}
		return t, true
	}
	row, ok := doc.EnclosingRow(anchor)
	if !ok {
		return target{}, false
	}
	last := len(row.Path) - 1
	return target{table: row.Path[:last], insertAt: row.Path[last], shape: row.Node}, true
}

func fieldCount(row *doctree.Node) int {
	return len(doctree.RowRef{Node: row}.FieldIDs())
}

// labelText is the row text outside field nodes.
func labelText(n *doctree.Node) string {
	var b strings.Builder
	doctree.Walk(n, func(child *doctree.Node, _ doctree.Path) bool {
		if child.IsField() {
			return false
		}
		if child.Type == doctree.TypeText {
			b.WriteString(child.Text)
		}
		return true
	})
	return b.String()
}

func isTotalRow(row *doctree.Node) bool {
	return strings.Contains(strings.ToLower(labelText(row)), "total")
}

func isTemplate(row *doctree.Node) bool {
	return row.IsRow() && fieldCount(row) >= MinRowFields && !isTotalRow(row)
}

// templateRow scans the table backward for the last row usable as a template.
func templateRow(table *doctree.Node) *doctree.Node {
	for i := len(table.Content) - 1; i >= 0; i-- {
		if isTemplate(table.Content[i]) {
			return table.Content[i]
		}
	}
	return nil
}

// cloneWithIDs copies row and rebinds each field. assign returns the new id
// for an original id; repeated ids inside the row keep sharing one id.
func cloneWithIDs(row *doctree.Node, assign func(old string) string) (*doctree.Node, []string) {
	clone := row.Clone()
	mapping := make(map[string]string)
	var ids []string
	doctree.Walk(clone, func(n *doctree.Node, _ doctree.Path) bool {
		if n.IsOption() {
			n.SetAttr(doctree.AttrChecked, false)
			return false
		}
		if !n.IsField() {
			return true
		}
		old := n.FieldID()
		id, ok := mapping[old]
		if !ok {
			id = assign(old)
			mapping[old] = id
			ids = append(ids, id)
		}
		n.Rebind(id)
		return false
	})
	return clone, ids
}

func defaultRow(shape *doctree.Node) *doctree.Node {
	cells := 1
	if shape != nil && len(shape.Content) > 0 {
		cells = len(shape.Content)
	}
	row := doctree.NewRow()
	for i := 0; i < cells; i++ {
		row.Content = append(row.Content, doctree.NewCell())
	}
	return row
}

// PlanClone builds the transaction that inserts a copy of the table's
// template row before the anchor row, allocating fresh field ids that do
// not occur anywhere in doc.
func PlanClone(doc *doctree.Document, anchor doctree.Path) (*doctree.Transaction, Result) {
	tx := doctree.NewTransaction(doctree.OriginStructure)
	t, ok := resolve(doc, anchor)
	if !ok {
		return tx, Result{}
	}
	table := doctree.NodeAt(doc.Root, t.table)
	if table == nil {
		return tx, Result{}
	}

	rowPath := append(append(doctree.Path(nil), t.table...), t.insertAt)
	template := templateRow(table)
	if template == nil {
		tx.Add(doctree.Insert(rowPath, defaultRow(t.shape)))
		return tx, Result{Fallback: true, Inserted: true, RowPath: rowPath}
	}

	taken := doc.FieldIDs()
	clone, ids := cloneWithIDs(template, func(old string) string {
		id := fields.NextFreeID(fields.BaseName(old), taken)
		taken[id] = true
		return id
	})
	tx.Add(doctree.Insert(rowPath, clone))
	return tx, Result{NewFieldIDs: ids, Inserted: true, RowPath: rowPath}
}

// CloneRow inserts a fresh copy of the template row before anchor and
// returns the allocated identifiers. Unresolvable anchors are a no-op.
func CloneRow(doc *doctree.Document, anchor doctree.Path) (Result, error) {
	tx, result := PlanClone(doc, anchor)
	if err := doc.Apply(tx); err != nil {
		return Result{}, err
	}
	return result, nil
}

// DetectDeletedRows compares two snapshots of the same document. When the
// row count dropped, every old row none of whose field ids survive in any
// new row counts as deleted and its ids are reported.
func DetectDeletedRows(before, after *doctree.Document) []string {
	oldRows := before.Rows()
	newRows := after.Rows()
	if len(newRows) >= len(oldRows) {
		return nil
	}

	surviving := make(map[string]bool)
	for _, row := range newRows {
		for _, id := range row.FieldIDs() {
			surviving[id] = true
		}
	}

	var removed []string
	seen := make(map[string]bool)
	for _, row := range oldRows {
		ids := row.FieldIDs()
		if len(ids) == 0 {
			continue
		}
		alive := false
		for _, id := range ids {
			if surviving[id] {
				alive = true
				break
			}
		}
		if alive {
			continue
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				removed = append(removed, id)
			}
		}
	}
	return removed
}

// MirrorAddedRow adds a row carrying ids to a sibling document. The
// sibling's own template row is cloned; fields whose base name matches one
// of ids reuse that id so later propagation lines up, other fields get
// fresh ids. Documents that already hold any of ids, or have no matching
// row, are left alone.
func MirrorAddedRow(doc *doctree.Document, ids []string) (Result, error) {
	if len(ids) == 0 {
		return Result{}, nil
	}
	present := doc.FieldIDs()
	byBase := make(map[string]string)
	for _, id := range ids {
		if present[id] {
			return Result{}, nil
		}
		byBase[fields.BaseName(id)] = id
	}

	var template doctree.RowRef
	found := false
	rowsInDoc := doc.Rows()
	for i := len(rowsInDoc) - 1; i >= 0 && !found; i-- {
		row := rowsInDoc[i]
		if isTotalRow(row.Node) {
			continue
		}
		for _, id := range row.FieldIDs() {
			if _, ok := byBase[fields.BaseName(id)]; ok {
				template = row
				found = true
				break
			}
		}
	}
	if !found {
		return Result{}, nil
	}

	taken := doc.FieldIDs()
	clone, newIDs := cloneWithIDs(template.Node, func(old string) string {
		base := fields.BaseName(old)
		if id, ok := byBase[base]; ok && !taken[id] {
			taken[id] = true
			return id
		}
		id := fields.NextFreeID(base, taken)
		taken[id] = true
		return id
	})

	last := len(template.Path) - 1
	rowPath := append(append(doctree.Path(nil), template.Path[:last]...), template.Path[last]+1)
	tx := doctree.NewTransaction(doctree.OriginStructure).Add(doctree.Insert(rowPath, clone))
	if err := doc.Apply(tx); err != nil {
		return Result{}, err
	}
	return Result{NewFieldIDs: newIDs, Inserted: true, RowPath: rowPath}, nil
}

// RemoveRowsWithFields deletes every row holding any of ids and returns how
// many rows were removed. A row is one line item, so a sibling row that
// shares an identifier with a deleted row describes the same item even when
// it carries extra columns.
func RemoveRowsWithFields(doc *doctree.Document, ids []string) (int, error) {
	removed := make(map[string]bool, len(ids))
	for _, id := range ids {
		removed[id] = true
	}

	var doomed []doctree.Path
	for _, row := range doc.Rows() {
		for _, id := range row.FieldIDs() {
			if removed[id] {
				doomed = append(doomed, row.Path)
				break
			}
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	// Delete from the end so earlier paths stay valid.
	sort.Slice(doomed, func(i, j int) bool { return lessPath(doomed[j], doomed[i]) })
	tx := doctree.NewTransaction(doctree.OriginStructure)
	for _, path := range doomed {
		tx.Add(doctree.Delete(path))
	}
	if err := doc.Apply(tx); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

func lessPath(a, b doctree.Path) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
