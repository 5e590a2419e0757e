package doctree

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"tradeflow/api/internal/fields"
)

// Kind identifies one of the five trade documents; its value is the step
// index used for navigation and persistence.
type Kind int

const (
	KindOffer Kind = iota
	KindProforma
	KindContract
	KindCommercialInvoice
	KindPackingList
)

var kindNames = [...]string{
	KindOffer:             "offer",
	KindProforma:          "proforma_invoice",
	KindContract:          "sales_contract",
	KindCommercialInvoice: "commercial_invoice",
	KindPackingList:       "packing_list",
}

// Kinds lists every document kind in step order.
func Kinds() []Kind {
	return []Kind{KindOffer, KindProforma, KindContract, KindCommercialInvoice, KindPackingList}
}

func (k Kind) Valid() bool {
	return k >= KindOffer && k <= KindPackingList
}

func (k Kind) String() string {
	if !k.Valid() {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind accepts a step index ("0".."4") or a kind name.
func ParseKind(value string) (Kind, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if idx, err := strconv.Atoi(value); err == nil {
		if k := Kind(idx); k.Valid() {
			return k, nil
		}
		return 0, fmt.Errorf("unknown document step %d", idx)
	}
	for i, name := range kindNames {
		if name == value {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown document kind %q", value)
}

// Document is one template instance owned by an editing session.
type Document struct {
	Kind Kind
	Root *Node
	// PendingMapped is set when propagation wrote values the operator has
	// not yet confirmed.
	PendingMapped bool
}

func New(kind Kind, root *Node) *Document {
	if root == nil {
		root = &Node{Type: TypeDoc}
	}
	return &Document{Kind: kind, Root: root}
}

func (d *Document) Clone() *Document {
	return &Document{Kind: d.Kind, Root: d.Root.Clone(), PendingMapped: d.PendingMapped}
}

// FieldRef is a field occurrence with its current position.
type FieldRef struct {
	Node *Node
	Path Path
}

func (f FieldRef) ID() string                    { return f.Node.FieldID() }
func (f FieldRef) Value() string                 { return f.Node.TextContent() }
func (f FieldRef) Provenance() fields.Provenance { return f.Node.Provenance() }
func (f FieldRef) Disabled() bool                { return f.Node.AttrBool(AttrDisabled) }
func (f FieldRef) Pending() bool                 { return f.Node.AttrBool(AttrPending) }

func (f FieldRef) IsPlaceholder() bool {
	return fields.IsPlaceholder(f.ID(), f.Value())
}

// OptionRef is an exclusivity group member with its current position.
type OptionRef struct {
	Node *Node
	Path Path
}

func (o OptionRef) GroupID() string        { return o.Node.AttrString(AttrGroupID) }
func (o OptionRef) Option() string         { return o.Node.AttrString(AttrOption) }
func (o OptionRef) Checked() bool          { return o.Node.AttrBool(AttrChecked) }
func (o OptionRef) LinkedFields() []string { return o.Node.LinkedFields() }

// RowRef is a table row with its position.
type RowRef struct {
	Node *Node
	Path Path
}

// FieldIDs lists the row's field ids in document order.
func (r RowRef) FieldIDs() []string {
	var ids []string
	Walk(r.Node, func(n *Node, _ Path) bool {
		if n.IsField() {
			ids = append(ids, n.FieldID())
			return false
		}
		return true
	})
	return ids
}

// Fields enumerates every field occurrence in document order.
func (d *Document) Fields() []FieldRef {
	var out []FieldRef
	Walk(d.Root, func(n *Node, path Path) bool {
		if n.IsField() {
			out = append(out, FieldRef{Node: n, Path: path.clone()})
			return false
		}
		return true
	})
	return out
}

// Occurrences lists every node carrying the given field id.
func (d *Document) Occurrences(id string) []FieldRef {
	var out []FieldRef
	for _, ref := range d.Fields() {
		if ref.ID() == id {
			out = append(out, ref)
		}
	}
	return out
}

// FieldIDs is the set of identifiers present anywhere in the document.
func (d *Document) FieldIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, ref := range d.Fields() {
		ids[ref.ID()] = true
	}
	return ids
}

// Field returns the field node at path, if the path addresses one.
func (d *Document) Field(path Path) (FieldRef, bool) {
	n := NodeAt(d.Root, path)
	if !n.IsField() {
		return FieldRef{}, false
	}
	return FieldRef{Node: n, Path: path.clone()}, true
}

// Options enumerates exclusivity group members in document order.
func (d *Document) Options() []OptionRef {
	var out []OptionRef
	Walk(d.Root, func(n *Node, path Path) bool {
		if n.IsOption() {
			out = append(out, OptionRef{Node: n, Path: path.clone()})
			return false
		}
		return true
	})
	return out
}

// Groups maps each group id to its members.
func (d *Document) Groups() map[string][]OptionRef {
	groups := make(map[string][]OptionRef)
	for _, opt := range d.Options() {
		if id := opt.GroupID(); id != "" {
			groups[id] = append(groups[id], opt)
		}
	}
	return groups
}

// LinkedFieldIDs is the set of field ids controlled by a group option.
func (d *Document) LinkedFieldIDs() map[string]bool {
	linked := make(map[string]bool)
	for _, opt := range d.Options() {
		if opt.GroupID() == "" {
			continue
		}
		for _, id := range opt.LinkedFields() {
			linked[id] = true
		}
	}
	return linked
}

// Rows enumerates table rows of every table in document order.
func (d *Document) Rows() []RowRef {
	var out []RowRef
	Walk(d.Root, func(n *Node, path Path) bool {
		if n.IsRow() {
			out = append(out, RowRef{Node: n, Path: path.clone()})
			return false
		}
		return true
	})
	return out
}

// EnclosingRow returns the row containing path, or the row path addresses.
func (d *Document) EnclosingRow(path Path) (RowRef, bool) {
	for depth := len(path); depth >= 0; depth-- {
		prefix := path[:depth]
		if n := NodeAt(d.Root, prefix); n.IsRow() {
			return RowRef{Node: n, Path: Path(prefix).clone()}, true
		}
	}
	return RowRef{}, false
}

type documentJSON struct {
	Kind          Kind  `json:"kind"`
	PendingMapped bool  `json:"pendingMapped,omitempty"`
	Doc           *Node `json:"doc"`
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(documentJSON{Kind: d.Kind, PendingMapped: d.PendingMapped, Doc: d.Root})
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var raw documentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if raw.Doc == nil {
		raw.Doc = &Node{Type: TypeDoc}
	}
	d.Kind = raw.Kind
	d.PendingMapped = raw.PendingMapped
	d.Root = raw.Doc
	return nil
}
