package doctree

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"tradeflow/api/internal/fields"
)

// Marshal renders the document as portable markup. Fields and options are
// spans carrying data-* attributes so that Unmarshal can rebuild them.
func Marshal(doc *Document) string {
	if doc == nil || doc.Root == nil {
		return ""
	}
	var b strings.Builder
	renderNode(&b, doc.Root)
	return b.String()
}

func renderNode(b *strings.Builder, n *Node) {
	switch n.Type {
	case TypeDoc:
		renderContent(b, n)
	case TypeParagraph:
		b.WriteString("<p>")
		renderContent(b, n)
		b.WriteString("</p>\n")
	case TypeHeading:
		level := n.AttrInt(AttrLevel)
		if level < 1 || level > 6 {
			level = 1
		}
		fmt.Fprintf(b, "<h%d>", level)
		renderContent(b, n)
		fmt.Fprintf(b, "</h%d>\n", level)
	case TypeTable:
		b.WriteString("<table>\n")
		renderContent(b, n)
		b.WriteString("</table>\n")
	case TypeTableRow:
		b.WriteString("<tr>\n")
		renderContent(b, n)
		b.WriteString("</tr>\n")
	case TypeTableCell:
		b.WriteString("<td>")
		renderContent(b, n)
		b.WriteString("</td>\n")
	case TypeTableHeader:
		b.WriteString("<th>")
		renderContent(b, n)
		b.WriteString("</th>\n")
	case TypeHardBreak:
		b.WriteString("<br>")
	case TypeText:
		b.WriteString(renderTextWithMarks(n.Text, n.Marks))
	case TypeField:
		b.WriteString("<span")
		writeAttr(b, "data-field-id", n.FieldID())
		writeAttr(b, "data-source", n.AttrString(AttrSource))
		writeBoolAttr(b, "data-disabled", n.AttrBool(AttrDisabled))
		writeBoolAttr(b, "data-pending", n.AttrBool(AttrPending))
		b.WriteString(">")
		renderContent(b, n)
		b.WriteString("</span>")
	case TypeOption:
		b.WriteString("<span")
		writeAttr(b, "data-group-id", n.AttrString(AttrGroupID))
		writeAttr(b, "data-option", n.AttrString(AttrOption))
		writeBoolAttr(b, "data-checked", n.AttrBool(AttrChecked))
		writeAttr(b, "data-linked-fields", n.AttrString(AttrLinkedFields))
		b.WriteString(">")
		renderContent(b, n)
		b.WriteString("</span>")
	default:
		renderContent(b, n)
	}
}

func renderContent(b *strings.Builder, n *Node) {
	for _, child := range n.Content {
		renderNode(b, child)
	}
}

func writeAttr(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, ` %s="%s"`, name, html.EscapeString(value))
}

func writeBoolAttr(b *strings.Builder, name string, value bool) {
	if value {
		fmt.Fprintf(b, ` %s="true"`, name)
	}
}

func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "code":
			out = "<code>" + out + "</code>"
		}
	}
	return out
}

// Unmarshal rebuilds a document from markup produced by Marshal.
func Unmarshal(kind Kind, markup string) (*Document, error) {
	return parse(kind, markup, false)
}

// Hydrate converts a template whose placeholders are wrapped in <mark>
// tags into a document with bound field nodes.
func Hydrate(kind Kind, template string) (*Document, error) {
	return parse(kind, template, true)
}

var markerPattern = regexp.MustCompile(`^\s*\[([^\[\]\s]+)\]\s*$`)

type parser struct {
	hydrate bool
}

func parse(kind Kind, markup string, hydrate bool) (*Document, error) {
	body := &xhtml.Node{Type: xhtml.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := xhtml.ParseFragment(strings.NewReader(markup), body)
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	p := parser{hydrate: hydrate}
	root := &Node{Type: TypeDoc}
	root.Content = p.blockChildren(nodes)
	return New(kind, root), nil
}

func isBlockElement(n *xhtml.Node) bool {
	if n.Type != xhtml.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.P, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Table:
		return true
	}
	return false
}

func isBlank(n *xhtml.Node) bool {
	return n.Type == xhtml.TextNode && strings.TrimSpace(n.Data) == ""
}

// flatten expands wrapper elements that have no counterpart in the tree.
func flatten(nodes []*xhtml.Node) []*xhtml.Node {
	var out []*xhtml.Node
	for _, n := range nodes {
		if n.Type == xhtml.ElementNode {
			switch n.DataAtom {
			case atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Main,
				atom.Body, atom.Html, atom.Tbody, atom.Thead, atom.Tfoot:
				out = append(out, flatten(children(n))...)
				continue
			case atom.Head, atom.Style, atom.Script:
				continue
			}
		}
		if n.Type == xhtml.CommentNode {
			continue
		}
		out = append(out, n)
	}
	return out
}

func children(n *xhtml.Node) []*xhtml.Node {
	var out []*xhtml.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

// blockChildren converts a block context. Loose inline runs are wrapped in
// paragraphs and whitespace between blocks is dropped.
func (p parser) blockChildren(nodes []*xhtml.Node) []*Node {
	var out []*Node
	var inline []*xhtml.Node
	flush := func() {
		if len(inline) == 0 {
			return
		}
		content := p.inlineChildren(inline, nil)
		inline = nil
		if strings.TrimSpace(textOf(content)) == "" && !containsAtom(content) {
			return
		}
		out = append(out, NewParagraph(content...))
	}
	for _, n := range flatten(nodes) {
		if isBlockElement(n) {
			flush()
			out = append(out, p.block(n))
			continue
		}
		inline = append(inline, n)
	}
	flush()
	return out
}

func (p parser) block(n *xhtml.Node) *Node {
	switch n.DataAtom {
	case atom.P:
		return &Node{Type: TypeParagraph, Content: p.inlineChildren(children(n), nil)}
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level, _ := strconv.Atoi(n.Data[1:])
		heading := &Node{Type: TypeHeading, Content: p.inlineChildren(children(n), nil)}
		heading.SetAttr(AttrLevel, level)
		return heading
	case atom.Table:
		table := &Node{Type: TypeTable}
		for _, c := range flatten(children(n)) {
			if c.Type == xhtml.ElementNode && c.DataAtom == atom.Tr {
				table.Content = append(table.Content, p.row(c))
			}
		}
		return table
	}
	return &Node{Type: TypeParagraph, Content: p.inlineChildren([]*xhtml.Node{n}, nil)}
}

func (p parser) row(n *xhtml.Node) *Node {
	row := &Node{Type: TypeTableRow}
	for _, c := range flatten(children(n)) {
		if c.Type != xhtml.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Td:
			row.Content = append(row.Content, &Node{Type: TypeTableCell, Content: p.cellChildren(children(c))})
		case atom.Th:
			row.Content = append(row.Content, &Node{Type: TypeTableHeader, Content: p.cellChildren(children(c))})
		}
	}
	return row
}

// cellChildren keeps inline content as-is unless the cell holds blocks.
func (p parser) cellChildren(nodes []*xhtml.Node) []*Node {
	flat := flatten(nodes)
	for _, n := range flat {
		if isBlockElement(n) {
			return p.blockChildren(flat)
		}
	}
	return p.inlineChildren(flat, nil)
}

func (p parser) inlineChildren(nodes []*xhtml.Node, marks []Mark) []*Node {
	var out []*Node
	for _, n := range nodes {
		out = append(out, p.inline(n, marks)...)
	}
	return mergeText(out)
}

var markForAtom = map[atom.Atom]string{
	atom.Strong: "bold",
	atom.B:      "bold",
	atom.Em:     "italic",
	atom.I:      "italic",
	atom.U:      "underline",
	atom.S:      "strike",
	atom.Strike: "strike",
	atom.Code:   "code",
}

func (p parser) inline(n *xhtml.Node, marks []Mark) []*Node {
	switch n.Type {
	case xhtml.TextNode:
		if n.Data == "" {
			return nil
		}
		return []*Node{NewText(n.Data, append([]Mark(nil), marks...)...)}
	case xhtml.ElementNode:
	default:
		return nil
	}

	if n.DataAtom == atom.Br {
		return []*Node{{Type: TypeHardBreak}}
	}
	if markType, ok := markForAtom[n.DataAtom]; ok {
		next := append(append([]Mark(nil), marks...), Mark{Type: markType})
		return p.inlineChildren(children(n), next)
	}
	if id := attr(n, "data-field-id"); id != "" {
		return []*Node{p.field(id, n, marks)}
	}
	if attr(n, "data-group-id") != "" || attr(n, "data-option") != "" {
		opt := &Node{Type: TypeOption, Content: p.inlineChildren(children(n), marks)}
		opt.SetAttr(AttrGroupID, attr(n, "data-group-id"))
		opt.SetAttr(AttrOption, attr(n, "data-option"))
		opt.SetAttr(AttrChecked, attr(n, "data-checked") == "true")
		opt.SetAttr(AttrLinkedFields, strings.Join(strings.Fields(attr(n, "data-linked-fields")), " "))
		return []*Node{opt}
	}
	if p.hydrate && n.DataAtom == atom.Mark {
		if match := markerPattern.FindStringSubmatch(textOfHTML(n)); match != nil {
			return []*Node{p.field(match[1], n, marks)}
		}
	}
	return p.inlineChildren(children(n), marks)
}

func (p parser) field(id string, n *xhtml.Node, marks []Mark) *Node {
	content := p.inlineChildren(children(n), marks)
	field := &Node{Type: TypeField, Content: content}
	field.SetAttr(AttrFieldID, id)
	field.SetAttr(AttrDisabled, attr(n, "data-disabled") == "true")
	field.SetAttr(AttrPending, attr(n, "data-pending") == "true")
	value := textOf(content)
	normalized, prov := fields.Normalize(id, value, fields.ParseProvenance(attr(n, "data-source")))
	if normalized != value || len(content) != 1 || content[0].Type != TypeText {
		field.setFieldValue(normalized, prov)
	} else {
		field.SetAttr(AttrSource, prov.String())
	}
	return field
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOfHTML(n *xhtml.Node) string {
	if n.Type == xhtml.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOfHTML(c))
	}
	return b.String()
}

func textOf(nodes []*Node) string {
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(n.TextContent())
	}
	return b.String()
}

func containsAtom(nodes []*Node) bool {
	for _, n := range nodes {
		if n.Type != TypeText {
			return true
		}
	}
	return false
}

// mergeText joins adjacent text nodes that carry identical marks.
func mergeText(nodes []*Node) []*Node {
	var out []*Node
	for _, n := range nodes {
		if len(out) > 0 {
			last := out[len(out)-1]
			if last.Type == TypeText && n.Type == TypeText && sameMarks(last.Marks, n.Marks) {
				last.Text += n.Text
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

func sameMarks(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}
