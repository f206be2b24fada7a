package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"treeleaf/internal/model"
)

type state struct {
	Nodes      map[string]*model.Node
	Formulas   map[string]*model.Formula
	Conditions map[string]*model.Condition
	Tables     map[string]*model.Table
	Variables  map[string]*model.Variable
	Subs       map[string]*model.Submission
	SubData    map[string]*model.SubmissionData
}

func newState() *state {
	return &state{
		Nodes:      map[string]*model.Node{},
		Formulas:   map[string]*model.Formula{},
		Conditions: map[string]*model.Condition{},
		Tables:     map[string]*model.Table{},
		Variables:  map[string]*model.Variable{},
		Subs:       map[string]*model.Submission{},
		SubData:    map[string]*model.SubmissionData{},
	}
}

func cloneMap[T any](m map[string]*T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fork делает поверхностную копию. Записи неизменяемы, меняются только карты.
func (s *state) fork() *state {
	return &state{
		Nodes:      cloneMap(s.Nodes),
		Formulas:   cloneMap(s.Formulas),
		Conditions: cloneMap(s.Conditions),
		Tables:     cloneMap(s.Tables),
		Variables:  cloneMap(s.Variables),
		Subs:       cloneMap(s.Subs),
		SubData:    cloneMap(s.SubData),
	}
}

// Memory: хранилище в памяти. Update работает на форке состояния и
// подменяет его только при успехе.
type Memory struct {
	mu  sync.RWMutex
	cur *state
}

func NewMemory() *Memory { return &Memory{cur: newState()} }

func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{st: m.cur, readOnly: true})
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{st: m.cur.fork()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.cur = tx.st
	return nil
}

type memTx struct {
	st       *state
	readOnly bool
}

var errReadOnly = errors.New("write in read-only transaction")

func (t *memTx) writable(ctx context.Context) error {
	if t.readOnly {
		return errReadOnly
	}
	return ctx.Err()
}

func (t *memTx) LoadTree(ctx context.Context, treeID string) (*model.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tree := model.NewTree(treeID)
	for _, n := range t.st.Nodes {
		if n.TreeID == treeID {
			tree.PutNode(n.Clone())
		}
	}
	if len(tree.Nodes) == 0 {
		return nil, fmt.Errorf("tree %s: %w", treeID, ErrNotFound)
	}
	for _, f := range t.st.Formulas {
		if f.TreeID == treeID {
			tree.PutFormula(f.Clone())
		}
	}
	for _, c := range t.st.Conditions {
		if c.TreeID == treeID {
			tree.PutCondition(c.Clone())
		}
	}
	for _, tb := range t.st.Tables {
		if tb.TreeID == treeID {
			tree.PutTable(tb.Clone())
		}
	}
	for _, v := range t.st.Variables {
		if v.TreeID == treeID {
			tree.PutVariable(v.Clone())
		}
	}
	return tree, nil
}

func (t *memTx) GetNode(ctx context.Context, id string) (*model.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := t.st.Nodes[id]
	if n == nil {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n.Clone(), nil
}

func (t *memTx) FindNodes(ctx context.Context, treeID, canonicalID string) ([]*model.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*model.Node
	for _, n := range t.st.Nodes {
		if n.TreeID == treeID && n.Canonical(n.ID) == canonicalID {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CopySuffix != out[j].CopySuffix {
			return out[i].CopySuffix < out[j].CopySuffix
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// put: общая вставка/замена для всех видов сущностей.
func put[T any](ctx context.Context, t *memTx, m map[string]*T, kind, id string, v *T, insert bool) error {
	if err := t.writable(ctx); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%s: empty id", kind)
	}
	_, exists := m[id]
	if insert && exists {
		return fmt.Errorf("%s %s: %w", kind, id, ErrAlreadyExists)
	}
	if !insert && !exists {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	m[id] = v
	return nil
}

func (t *memTx) InsertNode(ctx context.Context, n *model.Node) error {
	return put(ctx, t, t.st.Nodes, "node", n.ID, n.Clone(), true)
}

func (t *memTx) UpdateNode(ctx context.Context, n *model.Node) error {
	return put(ctx, t, t.st.Nodes, "node", n.ID, n.Clone(), false)
}

func (t *memTx) InsertFormula(ctx context.Context, f *model.Formula) error {
	return put(ctx, t, t.st.Formulas, "formula", f.ID, f.Clone(), true)
}

func (t *memTx) UpdateFormula(ctx context.Context, f *model.Formula) error {
	return put(ctx, t, t.st.Formulas, "formula", f.ID, f.Clone(), false)
}

func (t *memTx) InsertCondition(ctx context.Context, c *model.Condition) error {
	return put(ctx, t, t.st.Conditions, "condition", c.ID, c.Clone(), true)
}

func (t *memTx) UpdateCondition(ctx context.Context, c *model.Condition) error {
	return put(ctx, t, t.st.Conditions, "condition", c.ID, c.Clone(), false)
}

func (t *memTx) InsertTable(ctx context.Context, tb *model.Table) error {
	return put(ctx, t, t.st.Tables, "table", tb.ID, tb.Clone(), true)
}

func (t *memTx) UpdateTable(ctx context.Context, tb *model.Table) error {
	return put(ctx, t, t.st.Tables, "table", tb.ID, tb.Clone(), false)
}

func (t *memTx) InsertVariable(ctx context.Context, v *model.Variable) error {
	return put(ctx, t, t.st.Variables, "variable", v.ID, v.Clone(), true)
}

func (t *memTx) UpdateVariable(ctx context.Context, v *model.Variable) error {
	return put(ctx, t, t.st.Variables, "variable", v.ID, v.Clone(), false)
}

func (t *memTx) InsertSubmission(ctx context.Context, s *model.Submission) error {
	c := *s
	return put(ctx, t, t.st.Subs, "submission", s.ID, &c, true)
}

func (t *memTx) ListSubmissions(ctx context.Context, treeID string) ([]*model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*model.Submission
	for _, s := range t.st.Subs {
		if s.TreeID == treeID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertSubmissionData(ctx context.Context, d *model.SubmissionData) error {
	if d.SubmissionID != "" && t.st.Subs[d.SubmissionID] == nil {
		return fmt.Errorf("submission %s: %w", d.SubmissionID, ErrNotFound)
	}
	return put(ctx, t, t.st.SubData, "submission data", d.ID, d.Clone(), true)
}

func (t *memTx) ListSubmissionData(ctx context.Context, submissionID string) ([]*model.SubmissionData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*model.SubmissionData
	for _, d := range t.st.SubData {
		if d.SubmissionID == submissionID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
