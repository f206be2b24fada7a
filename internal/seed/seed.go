// Package seed читает YAML-описания деревьев (узлы с вложенными детьми,
// capacities, переменные) и записывает их в хранилище.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"treeleaf/internal/model"
	"treeleaf/internal/store"
)

// Fixture: одно дерево.
type Fixture struct {
	Tree       string          `yaml:"tree"`
	Nodes      []NodeSpec      `yaml:"nodes"`
	Formulas   []FormulaSpec   `yaml:"formulas"`
	Conditions []ConditionSpec `yaml:"conditions"`
	Tables     []TableSpec     `yaml:"tables"`
	Variables  []VariableSpec  `yaml:"variables"`

	// откуда прочитано (для сообщений об ошибках)
	Source string `yaml:"-"`
}

type NodeSpec struct {
	ID                string     `yaml:"id"`
	Type              string     `yaml:"type"`
	Label             string     `yaml:"label"`
	Order             *int       `yaml:"order,omitempty"`
	HasData           bool       `yaml:"hasData,omitempty"`
	TemplateNodeIDs   []string   `yaml:"templateNodeIds,omitempty"`
	OwnerVariableID   string     `yaml:"ownerVariableId,omitempty"`
	AggregateOf       string     `yaml:"aggregateOf,omitempty"`
	IsSharedReference bool       `yaml:"isSharedReference,omitempty"`
	SharedReferenceID string     `yaml:"sharedReferenceId,omitempty"`
	CalculatedValue   *string    `yaml:"calculatedValue,omitempty"`
	Metadata          any        `yaml:"metadata,omitempty"`
	Children          []NodeSpec `yaml:"children,omitempty"`
}

type FormulaSpec struct {
	ID     string `yaml:"id"`
	Node   string `yaml:"node"`
	Name   string `yaml:"name"`
	Tokens any    `yaml:"tokens"`
}

type ConditionSpec struct {
	ID   string `yaml:"id"`
	Node string `yaml:"node"`
	Name string `yaml:"name"`
	Set  any    `yaml:"set"`
}

type TableSpec struct {
	ID      string `yaml:"id"`
	Node    string `yaml:"node"`
	Name    string `yaml:"name"`
	Columns any    `yaml:"columns,omitempty"`
	Rows    any    `yaml:"rows,omitempty"`
	Meta    any    `yaml:"meta,omitempty"`
}

type VariableSpec struct {
	ID            string `yaml:"id"`
	Node          string `yaml:"node"`
	ExposedKey    string `yaml:"exposedKey"`
	DisplayName   string `yaml:"displayName"`
	Unit          string `yaml:"unit,omitempty"`
	Precision     int    `yaml:"precision,omitempty"`
	Visible       bool   `yaml:"visible,omitempty"`
	SourceType    string `yaml:"sourceType,omitempty"`
	SourceRef     string `yaml:"sourceRef,omitempty"`
	DisplayNodeID string `yaml:"displayNode,omitempty"`
}

var nodeTypes = map[string]model.NodeType{
	string(model.NodeBranch):   model.NodeBranch,
	string(model.NodeSection):  model.NodeSection,
	string(model.NodeField):    model.NodeField,
	string(model.NodeData):     model.NodeData,
	string(model.NodeRepeater): model.NodeRepeater,
	string(model.NodeDisplay):  model.NodeDisplay,
	string(model.NodeTotal):    model.NodeTotal,
}

func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.Tree) == "" {
		return nil, fmt.Errorf("fixture: tree id is required")
	}
	return &f, nil
}

func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Source = path
	return f, nil
}

// LoadDir читает все *.yaml / *.yml из папки, по имени файла.
func LoadDir(dir string) ([]*Fixture, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && (strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]*Fixture, 0, len(names))
	for _, name := range names {
		f, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// LoadPath: файл или папка.
func LoadPath(path string) ([]*Fixture, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return LoadDir(path)
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return []*Fixture{f}, nil
}

func toRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func appendMissing(ids []string, id string) []string {
	for _, x := range ids {
		if x == id {
			return ids
		}
	}
	return append(ids, id)
}

// Build собирает снимок. Флаги Has* и Linked*IDs узлов выводятся из capacities
// и переменных.
func (f *Fixture) Build() (*model.Tree, error) {
	t := model.NewTree(f.Tree)

	var walk func(specs []NodeSpec, parent string) error
	walk = func(specs []NodeSpec, parent string) error {
		for i, s := range specs {
			if s.ID == "" {
				return fmt.Errorf("node under %q: id is required", parent)
			}
			if t.Nodes[s.ID] != nil {
				return fmt.Errorf("node %s: duplicate id", s.ID)
			}
			typ, ok := nodeTypes[s.Type]
			if !ok {
				return fmt.Errorf("node %s: unknown type %q", s.ID, s.Type)
			}
			meta, err := toRaw(s.Metadata)
			if err != nil {
				return fmt.Errorf("node %s metadata: %w", s.ID, err)
			}
			order := i
			if s.Order != nil {
				order = *s.Order
			}
			t.PutNode(&model.Node{
				ID: s.ID, TreeID: f.Tree, ParentID: parent, Type: typ, Label: s.Label, Order: order,
				HasData: s.HasData, TemplateNodeIDs: s.TemplateNodeIDs, OwnerVariableID: s.OwnerVariableID,
				AggregateOf: s.AggregateOf, IsSharedReference: s.IsSharedReference, SharedReferenceID: s.SharedReferenceID,
				CalculatedValue: s.CalculatedValue, Metadata: meta,
			})
			if err := walk(s.Children, s.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(f.Nodes, ""); err != nil {
		return nil, err
	}

	owner := func(what, id, nodeID string) (*model.Node, error) {
		n := t.Nodes[nodeID]
		if n == nil {
			return nil, fmt.Errorf("%s %s: node %q not found", what, id, nodeID)
		}
		return n, nil
	}
	for _, s := range f.Formulas {
		n, err := owner("formula", s.ID, s.Node)
		if err != nil {
			return nil, err
		}
		tokens, err := toRaw(s.Tokens)
		if err != nil {
			return nil, fmt.Errorf("formula %s: %w", s.ID, err)
		}
		t.PutFormula(&model.Formula{ID: s.ID, TreeID: f.Tree, NodeID: n.ID, Name: s.Name, Tokens: tokens})
		n.HasFormula = true
		n.LinkedFormulaIDs = appendMissing(n.LinkedFormulaIDs, s.ID)
	}
	for _, s := range f.Conditions {
		n, err := owner("condition", s.ID, s.Node)
		if err != nil {
			return nil, err
		}
		set, err := toRaw(s.Set)
		if err != nil {
			return nil, fmt.Errorf("condition %s: %w", s.ID, err)
		}
		t.PutCondition(&model.Condition{ID: s.ID, TreeID: f.Tree, NodeID: n.ID, Name: s.Name, ConditionSet: set})
		n.HasCondition = true
		n.LinkedConditionIDs = appendMissing(n.LinkedConditionIDs, s.ID)
	}
	for _, s := range f.Tables {
		n, err := owner("table", s.ID, s.Node)
		if err != nil {
			return nil, err
		}
		tb := &model.Table{ID: s.ID, TreeID: f.Tree, NodeID: n.ID, Name: s.Name}
		var err2 error
		if tb.Columns, err2 = toRaw(s.Columns); err2 != nil {
			return nil, fmt.Errorf("table %s columns: %w", s.ID, err2)
		}
		if tb.Rows, err2 = toRaw(s.Rows); err2 != nil {
			return nil, fmt.Errorf("table %s rows: %w", s.ID, err2)
		}
		if tb.Meta, err2 = toRaw(s.Meta); err2 != nil {
			return nil, fmt.Errorf("table %s meta: %w", s.ID, err2)
		}
		t.PutTable(tb)
		n.HasTable = true
		n.LinkedTableIDs = appendMissing(n.LinkedTableIDs, s.ID)
	}
	for _, s := range f.Variables {
		n, err := owner("variable", s.ID, s.Node)
		if err != nil {
			return nil, err
		}
		t.PutVariable(&model.Variable{
			ID: s.ID, TreeID: f.Tree, NodeID: n.ID, ExposedKey: s.ExposedKey, DisplayName: s.DisplayName,
			Unit: s.Unit, Precision: s.Precision, VisibleToUser: s.Visible, SourceType: s.SourceType,
			SourceRef: s.SourceRef, DisplayNodeID: s.DisplayNodeID,
		})
		n.LinkedVariableIDs = appendMissing(n.LinkedVariableIDs, s.ID)
	}
	return t, nil
}

// Apply пишет дерево фикстуры одной транзакцией.
func Apply(ctx context.Context, st store.Store, f *Fixture) (*model.Tree, error) {
	t, err := f.Build()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.name(), err)
	}
	if err := st.Update(ctx, func(tx store.Tx) error { return store.InsertTree(ctx, tx, t) }); err != nil {
		return nil, fmt.Errorf("seed %s: %w", f.name(), err)
	}
	return t, nil
}

func (f *Fixture) name() string {
	if f.Source != "" {
		return f.Source
	}
	return "tree " + f.Tree
}
