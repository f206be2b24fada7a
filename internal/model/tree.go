package model

import (
	"sort"

	"treeleaf/internal/ident"
)

// Tree: снимок всех сущностей одного дерева. Графы маленькие (десятки-сотни
// узлов), индексы строятся при чтении.
type Tree struct {
	ID         string
	Nodes      map[string]*Node
	Formulas   map[string]*Formula
	Conditions map[string]*Condition
	Tables     map[string]*Table
	Variables  map[string]*Variable
}

func NewTree(id string) *Tree {
	return &Tree{
		ID:         id,
		Nodes:      map[string]*Node{},
		Formulas:   map[string]*Formula{},
		Conditions: map[string]*Condition{},
		Tables:     map[string]*Table{},
		Variables:  map[string]*Variable{},
	}
}

func (t *Tree) Node(id string) *Node { return t.Nodes[id] }

// Exists: есть ли сущность вида kind с данным id.
func (t *Tree) Exists(kind Kind, id string) bool {
	switch kind {
	case KindNode:
		return t.Nodes[id] != nil
	case KindFormula:
		return t.Formulas[id] != nil
	case KindCondition:
		return t.Conditions[id] != nil
	case KindTable:
		return t.Tables[id] != nil
	case KindVariable:
		return t.Variables[id] != nil
	}
	return false
}

// IsCanonical реализует ident.Canonicals: id существует и сам не является копией.
func (t *Tree) IsCanonical(id string) bool {
	if n := t.Nodes[id]; n != nil {
		return !n.IsCopy()
	}
	if f := t.Formulas[id]; f != nil {
		return !f.IsCopy()
	}
	if c := t.Conditions[id]; c != nil {
		return !c.IsCopy()
	}
	if tb := t.Tables[id]; tb != nil {
		return !tb.IsCopy()
	}
	if v := t.Variables[id]; v != nil {
		return !v.IsCopy()
	}
	return false
}

func byOrder(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Order != nodes[j].Order {
			return nodes[i].Order < nodes[j].Order
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// Children: прямые потомки в порядке Order.
func (t *Tree) Children(parentID string) []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.ParentID == parentID {
			out = append(out, n)
		}
	}
	byOrder(out)
	return out
}

// Subtree: корень и все потомки, BFS, в порядке Order на каждом уровне.
func (t *Tree) Subtree(rootID string) []*Node {
	root := t.Nodes[rootID]
	if root == nil {
		return nil
	}
	out := []*Node{root}
	seen := map[string]bool{rootID: true}
	for i := 0; i < len(out); i++ {
		for _, c := range t.Children(out[i].ID) {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

func (t *Tree) FormulasOf(nodeID string) []*Formula {
	var out []*Formula
	for _, f := range t.Formulas {
		if f.NodeID == nodeID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tree) ConditionsOf(nodeID string) []*Condition {
	var out []*Condition
	for _, c := range t.Conditions {
		if c.NodeID == nodeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tree) TablesOf(nodeID string) []*Table {
	var out []*Table
	for _, tb := range t.Tables {
		if tb.NodeID == nodeID {
			out = append(out, tb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tree) VariablesOf(nodeID string) []*Variable {
	var out []*Variable
	for _, v := range t.Variables {
		if v.NodeID == nodeID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DisplaysOf: узлы отображения переменной (по OwnerVariableID либо по производному id).
func (t *Tree) DisplaysOf(variableID string) []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.Type != NodeDisplay {
			continue
		}
		if n.OwnerVariableID == variableID || n.ID == ident.DisplayID(variableID) {
			out = append(out, n)
		}
	}
	byOrder(out)
	return out
}

// CopiesOf: все узлы с данным каноническим id, включая сам оригинал.
func (t *Tree) CopiesOf(canonicalID string) []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.Canonical(n.ID) == canonicalID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CopySuffix != out[j].CopySuffix {
			return out[i].CopySuffix < out[j].CopySuffix
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Totals: узлы «Total», агрегирующие данный канонический узел.
func (t *Tree) Totals(canonicalID string) []*Node {
	var out []*Node
	for _, n := range t.Nodes {
		if n.Type == NodeTotal && n.AggregateOf == canonicalID {
			out = append(out, n)
		}
	}
	byOrder(out)
	return out
}

// Ancestors возвращает цепочку родителей от ближайшего к корню.
func (t *Tree) Ancestors(id string) []*Node {
	var out []*Node
	seen := map[string]bool{id: true}
	cur := t.Nodes[id]
	for cur != nil && cur.ParentID != "" && !seen[cur.ParentID] {
		seen[cur.ParentID] = true
		p := t.Nodes[cur.ParentID]
		if p == nil {
			break
		}
		out = append(out, p)
		cur = p
	}
	return out
}

// Put*: добавление/замена в снимке (используется хранилищами и копировщиком).

func (t *Tree) PutNode(n *Node)           { t.Nodes[n.ID] = n }
func (t *Tree) PutFormula(f *Formula)     { t.Formulas[f.ID] = f }
func (t *Tree) PutCondition(c *Condition) { t.Conditions[c.ID] = c }
func (t *Tree) PutTable(tb *Table)        { t.Tables[tb.ID] = tb }
func (t *Tree) PutVariable(v *Variable)   { t.Variables[v.ID] = v }

// SortedIDs: стабильный порядок ключей для отчётов и тестов.
func SortedIDs[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
