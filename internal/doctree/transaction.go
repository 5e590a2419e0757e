package doctree

import (
	"errors"
	"fmt"

	"tradeflow/api/internal/fields"
)

var (
	ErrInvalidPath   = errors.New("doctree: path does not address a node")
	ErrWrongNodeType = errors.New("doctree: unexpected node type")
)

// Origin tags who produced a transaction. Listeners use it to tell user
// input apart from mutations they generated themselves.
type Origin int

const (
	OriginUser Origin = iota
	OriginSync
	OriginAgent
	OriginPropagate
	OriginStructure
)

func (o Origin) String() string {
	switch o {
	case OriginUser:
		return "user"
	case OriginSync:
		return "sync"
	case OriginAgent:
		return "agent"
	case OriginPropagate:
		return "propagate"
	case OriginStructure:
		return "structure"
	default:
		return "unknown"
	}
}

type Op int

const (
	OpSetField Op = iota
	OpSetChecked
	OpSetAttr
	OpInsert
	OpDelete
)

// Step is a single mutation addressed by path.
type Step struct {
	Op         Op
	Path       Path
	Text       string
	Provenance fields.Provenance
	Checked    bool
	Key        string
	Value      any
	Node       *Node
}

func SetField(path Path, text string, prov fields.Provenance) Step {
	return Step{Op: OpSetField, Path: path.clone(), Text: text, Provenance: prov}
}

func SetChecked(path Path, checked bool) Step {
	return Step{Op: OpSetChecked, Path: path.clone(), Checked: checked}
}

func SetAttr(path Path, key string, value any) Step {
	return Step{Op: OpSetAttr, Path: path.clone(), Key: key, Value: value}
}

// Insert places node so that it ends up at path.
func Insert(path Path, node *Node) Step {
	return Step{Op: OpInsert, Path: path.clone(), Node: node}
}

func Delete(path Path) Step {
	return Step{Op: OpDelete, Path: path.clone()}
}

// Transaction groups steps that must be applied together.
type Transaction struct {
	Origin Origin
	Steps  []Step
}

func NewTransaction(origin Origin) *Transaction {
	return &Transaction{Origin: origin}
}

func (tx *Transaction) Add(steps ...Step) *Transaction {
	tx.Steps = append(tx.Steps, steps...)
	return tx
}

func (tx *Transaction) Empty() bool {
	return tx == nil || len(tx.Steps) == 0
}

// Apply runs every step against a copy of the tree and swaps it in only if
// all of them succeed, so readers never observe a half-applied update.
func (d *Document) Apply(tx *Transaction) error {
	if tx.Empty() {
		return nil
	}
	root := d.Root.Clone()
	for i, step := range tx.Steps {
		if err := applyStep(root, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Path, err)
		}
	}
	d.Root = root
	return nil
}

func applyStep(root *Node, step Step) error {
	switch step.Op {
	case OpSetField:
		n := NodeAt(root, step.Path)
		if n == nil {
			return ErrInvalidPath
		}
		if !n.IsField() {
			return ErrWrongNodeType
		}
		n.setFieldValue(step.Text, step.Provenance)
	case OpSetChecked:
		n := NodeAt(root, step.Path)
		if n == nil {
			return ErrInvalidPath
		}
		if !n.IsOption() {
			return ErrWrongNodeType
		}
		n.SetAttr(AttrChecked, step.Checked)
	case OpSetAttr:
		n := NodeAt(root, step.Path)
		if n == nil {
			return ErrInvalidPath
		}
		n.SetAttr(step.Key, step.Value)
	case OpInsert:
		if len(step.Path) == 0 || step.Node == nil {
			return ErrInvalidPath
		}
		parent := NodeAt(root, step.Path[:len(step.Path)-1])
		idx := step.Path[len(step.Path)-1]
		if parent == nil || idx < 0 || idx > len(parent.Content) {
			return ErrInvalidPath
		}
		parent.Content = append(parent.Content, nil)
		copy(parent.Content[idx+1:], parent.Content[idx:])
		parent.Content[idx] = step.Node.Clone()
	case OpDelete:
		if len(step.Path) == 0 {
			return ErrInvalidPath
		}
		parent := NodeAt(root, step.Path[:len(step.Path)-1])
		idx := step.Path[len(step.Path)-1]
		if parent == nil || idx < 0 || idx >= len(parent.Content) {
			return ErrInvalidPath
		}
		parent.Content = append(parent.Content[:idx], parent.Content[idx+1:]...)
	default:
		return fmt.Errorf("unknown op %d", step.Op)
	}
	return nil
}
