// Package model описывает сущности TreeBranchLeaf: узлы, capacities, переменные, submissions.
package model

import (
	"encoding/json"
	"time"
)

// Kind: вид сущности; он же namespace в реестре id.
type Kind string

const (
	KindNode      Kind = "node"
	KindFormula   Kind = "formula"
	KindCondition Kind = "condition"
	KindTable     Kind = "table"
	KindVariable  Kind = "variable"
)

type NodeType string

const (
	NodeBranch   NodeType = "branch"
	NodeSection  NodeType = "section"
	NodeField    NodeType = "leaf_field"
	NodeData     NodeType = "data"
	NodeRepeater NodeType = "repeater"
	NodeDisplay  NodeType = "display"
	NodeTotal    NodeType = "total"
)

// Lineage: происхождение копии. Пустой CanonicalID у оригинала.
type Lineage struct {
	CanonicalID  string `json:"canonicalId,omitempty"`
	CopySuffix   int    `json:"copySuffix,omitempty"`
	CopiedFromID string `json:"copiedFromId,omitempty"`
}

// Canonical возвращает канонический id сущности с данным id.
func (l Lineage) Canonical(id string) string {
	if l.CanonicalID != "" {
		return l.CanonicalID
	}
	return id
}

func (l Lineage) IsCopy() bool { return l.CanonicalID != "" }

type Node struct {
	ID       string   `json:"id"`
	TreeID   string   `json:"treeId"`
	ParentID string   `json:"parentId,omitempty"`
	Type     NodeType `json:"type"`
	Label    string   `json:"label"`
	Order    int      `json:"order"`

	HasFormula   bool `json:"hasFormula"`
	HasCondition bool `json:"hasCondition"`
	HasTable     bool `json:"hasTable"`
	HasData      bool `json:"hasData"`

	LinkedFormulaIDs   []string `json:"linkedFormulaIds,omitempty"`
	LinkedConditionIDs []string `json:"linkedConditionIds,omitempty"`
	LinkedTableIDs     []string `json:"linkedTableIds,omitempty"`
	LinkedVariableIDs  []string `json:"linkedVariableIds,omitempty"`

	// repeater
	TemplateNodeIDs []string `json:"templateNodeIds,omitempty"`
	// display: переменная, чьё значение показывает узел
	OwnerVariableID string `json:"ownerVariableId,omitempty"`
	// total: канонический id узла, копии которого суммируются
	AggregateOf string `json:"aggregateOf,omitempty"`

	IsSharedReference bool   `json:"isSharedReference,omitempty"`
	SharedReferenceID string `json:"sharedReferenceId,omitempty"`

	CalculatedValue *string         `json:"calculatedValue,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`

	Lineage
}

// HasCapacity: узел вычисляемый (значение пересчитывается, а не копируется).
func (n *Node) HasCapacity() bool { return n.HasFormula || n.HasCondition || n.HasTable }

type Formula struct {
	ID     string          `json:"id"`
	TreeID string          `json:"treeId"`
	NodeID string          `json:"nodeId"`
	Name   string          `json:"name"`
	Tokens json.RawMessage `json:"tokens"`
	Lineage
}

type Condition struct {
	ID           string          `json:"id"`
	TreeID       string          `json:"treeId"`
	NodeID       string          `json:"nodeId"`
	Name         string          `json:"name"`
	ConditionSet json.RawMessage `json:"conditionSet"`
	Lineage
}

type Table struct {
	ID      string          `json:"id"`
	TreeID  string          `json:"treeId"`
	NodeID  string          `json:"nodeId"`
	Name    string          `json:"name"`
	Columns json.RawMessage `json:"columns,omitempty"`
	Rows    json.RawMessage `json:"rows,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
	Lineage
}

type Variable struct {
	ID            string `json:"id"`
	TreeID        string `json:"treeId"`
	NodeID        string `json:"nodeId"`
	ExposedKey    string `json:"exposedKey"`
	DisplayName   string `json:"displayName"`
	Unit          string `json:"unit,omitempty"`
	Precision     int    `json:"precision"`
	VisibleToUser bool   `json:"visibleToUser"`
	SourceType    string `json:"sourceType,omitempty"`
	SourceRef     string `json:"sourceRef,omitempty"`
	DisplayNodeID string `json:"displayNodeId,omitempty"`
	Lineage
}

type Submission struct {
	ID             string    `json:"id"`
	TreeID         string    `json:"treeId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SubmissionData: значение + денормализованные метаданные переменной.
type SubmissionData struct {
	ID           string  `json:"id"`
	SubmissionID string  `json:"submissionId"`
	NodeID       string  `json:"nodeId"`
	VariableID   string  `json:"variableId,omitempty"`
	Value        *string `json:"value,omitempty"`
	ExposedKey   string  `json:"exposedKey,omitempty"`
	DisplayName  string  `json:"displayName,omitempty"`
	Unit         string  `json:"unit,omitempty"`
	IsVariable   bool    `json:"isVariable"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}

// Clone: глубокая копия (слайсы и JSON не разделяются с оригиналом).
func (n *Node) Clone() *Node {
	c := *n
	c.LinkedFormulaIDs = cloneStrings(n.LinkedFormulaIDs)
	c.LinkedConditionIDs = cloneStrings(n.LinkedConditionIDs)
	c.LinkedTableIDs = cloneStrings(n.LinkedTableIDs)
	c.LinkedVariableIDs = cloneStrings(n.LinkedVariableIDs)
	c.TemplateNodeIDs = cloneStrings(n.TemplateNodeIDs)
	c.Metadata = cloneRaw(n.Metadata)
	if n.CalculatedValue != nil {
		v := *n.CalculatedValue
		c.CalculatedValue = &v
	}
	return &c
}

func (f *Formula) Clone() *Formula {
	c := *f
	c.Tokens = cloneRaw(f.Tokens)
	return &c
}

func (c *Condition) Clone() *Condition {
	out := *c
	out.ConditionSet = cloneRaw(c.ConditionSet)
	return &out
}

func (t *Table) Clone() *Table {
	c := *t
	c.Columns = cloneRaw(t.Columns)
	c.Rows = cloneRaw(t.Rows)
	c.Meta = cloneRaw(t.Meta)
	return &c
}

func (v *Variable) Clone() *Variable {
	c := *v
	return &c
}

func (s *SubmissionData) Clone() *SubmissionData {
	c := *s
	if s.Value != nil {
		v := *s.Value
		c.Value = &v
	}
	return &c
}
