// Package doctree is a minimal ProseMirror-style document model for trade
// templates. It can enumerate field nodes, exclusivity options and table
// rows, and read or replace their content through atomic transactions.
package doctree

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"tradeflow/api/internal/fields"
)

const (
	TypeDoc         = "doc"
	TypeParagraph   = "paragraph"
	TypeHeading     = "heading"
	TypeTable       = "table"
	TypeTableRow    = "tableRow"
	TypeTableCell   = "tableCell"
	TypeTableHeader = "tableHeader"
	TypeText        = "text"
	TypeHardBreak   = "hardBreak"
	TypeField       = "field"
	TypeOption      = "option"
)

const (
	AttrFieldID      = "fieldId"
	AttrSource       = "source"
	AttrDisabled     = "disabled"
	AttrPending      = "pending"
	AttrGroupID      = "groupId"
	AttrOption       = "option"
	AttrChecked      = "checked"
	AttrLinkedFields = "linkedFields"
	AttrLevel        = "level"
)

// Node is a node in the document tree. Attrs only ever hold non-zero values
// so that structurally equal trees compare equal.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting on a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Path addresses a node by child indexes from the root.
type Path []int

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, idx := range p {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ".")
}

// ParsePath reads the dotted form produced by Path.String.
func ParsePath(value string) (Path, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Path{}, true
	}
	parts := strings.Split(value, ".")
	path := make(Path, 0, len(parts))
	for _, part := range parts {
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 {
			return nil, false
		}
		path = append(path, idx)
	}
	return path, true
}

// UnmarshalJSON accepts both the index array and the dotted form.
func (p *Path) UnmarshalJSON(data []byte) error {
	var dotted string
	if err := json.Unmarshal(data, &dotted); err == nil {
		path, ok := ParsePath(dotted)
		if !ok {
			return fmt.Errorf("invalid path %q", dotted)
		}
		*p = path
		return nil
	}
	var indexes []int
	if err := json.Unmarshal(data, &indexes); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	*p = indexes
	return nil
}

func (p Path) clone() Path {
	return append(Path(nil), p...)
}

func (p Path) child(idx int) Path {
	next := make(Path, len(p), len(p)+1)
	copy(next, p)
	return append(next, idx)
}

func NewText(text string, marks ...Mark) *Node {
	return &Node{Type: TypeText, Text: text, Marks: marks}
}

func NewParagraph(children ...*Node) *Node {
	return &Node{Type: TypeParagraph, Content: children}
}

func NewRow(cells ...*Node) *Node {
	return &Node{Type: TypeTableRow, Content: cells}
}

func NewCell(children ...*Node) *Node {
	return &Node{Type: TypeTableCell, Content: children}
}

func (n *Node) AttrString(key string) string {
	if n == nil || n.Attrs == nil {
		return ""
	}
	value, _ := n.Attrs[key].(string)
	return value
}

func (n *Node) AttrBool(key string) bool {
	if n == nil || n.Attrs == nil {
		return false
	}
	switch v := n.Attrs[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

func (n *Node) AttrInt(key string) int {
	if n == nil || n.Attrs == nil {
		return 0
	}
	switch v := n.Attrs[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		parsed, _ := strconv.Atoi(v)
		return parsed
	default:
		return 0
	}
}

// SetAttr stores value, or removes the key when value is a zero value.
func (n *Node) SetAttr(key string, value any) {
	zero := false
	switch v := value.(type) {
	case nil:
		zero = true
	case string:
		zero = v == ""
	case bool:
		zero = !v
	case int:
		zero = v == 0
	}
	if zero {
		if n.Attrs != nil {
			delete(n.Attrs, key)
			if len(n.Attrs) == 0 {
				n.Attrs = nil
			}
		}
		return
	}
	if n.Attrs == nil {
		n.Attrs = make(map[string]any)
	}
	n.Attrs[key] = value
}

// TextContent concatenates all descendant text.
func (n *Node) TextContent() string {
	if n == nil {
		return ""
	}
	if n.Type == TypeText {
		return n.Text
	}
	var b strings.Builder
	for _, child := range n.Content {
		b.WriteString(child.TextContent())
	}
	return b.String()
}

func (n *Node) IsField() bool  { return n != nil && n.Type == TypeField }
func (n *Node) IsOption() bool { return n != nil && n.Type == TypeOption }
func (n *Node) IsRow() bool    { return n != nil && n.Type == TypeTableRow }

func (n *Node) FieldID() string { return n.AttrString(AttrFieldID) }

func (n *Node) Provenance() fields.Provenance {
	return fields.ParseProvenance(n.AttrString(AttrSource))
}

// setFieldValue replaces the field's text, keeping the marks of its first
// text child, and normalizes value and provenance.
func (n *Node) setFieldValue(value string, prov fields.Provenance) {
	id := n.FieldID()
	value, prov = fields.Normalize(id, value, prov)
	var marks []Mark
	for _, child := range n.Content {
		if child.Type == TypeText && len(child.Marks) > 0 {
			marks = append([]Mark(nil), child.Marks...)
			break
		}
	}
	n.Content = []*Node{NewText(value, marks...)}
	n.SetAttr(AttrSource, prov.String())
}

// Rebind gives a field node a new identifier and resets it to that
// identifier's placeholder.
func (n *Node) Rebind(id string) {
	n.SetAttr(AttrFieldID, id)
	n.SetAttr(AttrPending, false)
	n.setFieldValue("", fields.None)
}

// LinkedFields lists the field ids whose requirement follows this option.
func (n *Node) LinkedFields() []string {
	return strings.Fields(n.AttrString(AttrLinkedFields))
}

// Clone returns a deep copy of the subtree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Type: n.Type, Text: n.Text}
	if n.Attrs != nil {
		out.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			out.Attrs[k] = v
		}
	}
	if len(n.Marks) > 0 {
		out.Marks = make([]Mark, len(n.Marks))
		for i, m := range n.Marks {
			out.Marks[i] = Mark{Type: m.Type}
			if m.Attrs != nil {
				out.Marks[i].Attrs = make(map[string]any, len(m.Attrs))
				for k, v := range m.Attrs {
					out.Marks[i].Attrs[k] = v
				}
			}
		}
	}
	if len(n.Content) > 0 {
		out.Content = make([]*Node, len(n.Content))
		for i, child := range n.Content {
			out.Content[i] = child.Clone()
		}
	}
	return out
}

// Walk visits nodes depth first. Returning false skips the node's children.
func Walk(root *Node, fn func(n *Node, path Path) bool) {
	walk(root, Path{}, fn)
}

func walk(n *Node, path Path, fn func(*Node, Path) bool) {
	if n == nil {
		return
	}
	if !fn(n, path) {
		return
	}
	for i, child := range n.Content {
		walk(child, path.child(i), fn)
	}
}

// NodeAt resolves a path, returning nil when it does not address a node.
func NodeAt(root *Node, path Path) *Node {
	current := root
	for _, idx := range path {
		if current == nil || idx < 0 || idx >= len(current.Content) {
			return nil
		}
		current = current.Content[idx]
	}
	return current
}
