package copier

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"treeleaf/internal/ident"
	"treeleaf/internal/integrity"
	"treeleaf/internal/model"
	"treeleaf/internal/ref"
	"treeleaf/internal/store"
)

type materializer struct {
	p      *Plan
	tx     store.Tx
	tree   *model.Tree
	mapper ref.Mapper
	res    *Result
	// id всех созданных сущностей (для проверки перед commit)
	batch map[string]bool
}

// Materialize пишет партию: узлы (родитель первым), capacities, переменные,
// затем пересчитывает «Total» и проверяет целостность новых сущностей.
// Любая ошибка хранилища: TransactionAbortError; транзакцию откатывает Update.
func (e *Engine) Materialize(ctx context.Context, tx store.Tx, p *Plan) (*Result, error) {
	m := &materializer{
		p:      p,
		tx:     tx,
		tree:   p.res.tree,
		mapper: p.Mapping.Mapper(),
		batch:  map[string]bool{},
		res: &Result{
			TreeID:   p.TreeID,
			Suffix:   p.Suffix,
			Warnings: p.Warnings,
		},
	}
	for _, r := range p.Roots {
		m.res.Roots = append(m.res.Roots, Pair{Old: r.OldID, New: r.NewID})
	}
	if len(m.res.Roots) > 0 {
		m.res.Root = m.res.Roots[0]
	}

	steps := []func(context.Context) error{
		m.nodes,
		m.displays,
		m.formulas,
		m.conditions,
		m.tables,
		m.variables,
		m.recomputeTotals,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}

	if issues := integrity.Scope(integrity.Check(m.tree), m.batch); len(issues) > 0 {
		return nil, &OrphanEntityError{Issues: issues}
	}

	m.res.Mapping = map[model.Kind]map[string]string{}
	for _, k := range p.Mapping.Kinds() {
		m.res.Mapping[k] = p.Mapping.ByKind(k)
	}
	e.log.Info().Str("tree", p.TreeID).Str("root", m.res.Root.New).Int("suffix", p.Suffix).
		Int("nodes", m.res.Created.Nodes).Int("capacities", m.res.Created.Capacities()).
		Int("variables", m.res.Created.Variables).Msg("copy materialized")
	return m.res, nil
}

func abort(kind model.Kind, id string, err error) error {
	return &TransactionAbortError{Entity: kind, ID: id, Err: err}
}

func (m *materializer) newID(kind model.Kind, old string) string {
	id, _ := m.p.Mapping.Resolve(kind, old)
	return id
}

// mapped: новый id, если сущность в партии, иначе старый.
func (m *materializer) mapped(kind model.Kind, old string) string {
	if id, ok := m.p.Mapping.Resolve(kind, old); ok {
		return id
	}
	return old
}

func (m *materializer) lineage(kind model.Kind, old string) model.Lineage {
	return model.Lineage{
		CanonicalID:  m.p.res.canonical(kind, old),
		CopySuffix:   m.p.Suffix,
		CopiedFromID: old,
	}
}

func (m *materializer) rewrite(kind model.Kind, id string, raw json.RawMessage) (json.RawMessage, error) {
	out, err := ref.RewriteJSON(raw, m.mapper)
	if err != nil {
		return nil, abort(kind, id, err)
	}
	return out, nil
}

// parentOf: родитель копии узла.
func (m *materializer) parentOf(n *model.Node) string {
	if parent, ok := m.p.rootParent[n.ID]; ok {
		return parent
	}
	return m.mapped(model.KindNode, n.ParentID)
}

// copyNode вставляет копию n. owner != "": переменная, которую показывает копия-отображение.
func (m *materializer) copyNode(ctx context.Context, n *model.Node, newID, parent, owner string) error {
	c := n.Clone()
	c.ID = newID
	c.ParentID = parent
	c.Label = suffixLabel(n.Label, n.CopySuffix, m.p.Suffix)
	c.LinkedFormulaIDs = m.p.Mapping.MapIDs(model.KindFormula, n.LinkedFormulaIDs)
	c.LinkedConditionIDs = m.p.Mapping.MapIDs(model.KindCondition, n.LinkedConditionIDs)
	c.LinkedTableIDs = m.p.Mapping.MapIDs(model.KindTable, n.LinkedTableIDs)
	c.LinkedVariableIDs = m.p.Mapping.MapIDs(model.KindVariable, n.LinkedVariableIDs)
	c.TemplateNodeIDs = m.canonicalTemplates(n.TemplateNodeIDs)
	if owner != "" {
		c.OwnerVariableID = owner
	} else if n.OwnerVariableID != "" {
		c.OwnerVariableID = m.mapped(model.KindVariable, n.OwnerVariableID)
	}
	if n.SharedReferenceID != "" {
		c.SharedReferenceID = m.mapped(model.KindNode, n.SharedReferenceID)
	}
	if n.HasCapacity() {
		c.CalculatedValue = nil
	}
	meta, err := m.rewrite(model.KindNode, newID, n.Metadata)
	if err != nil {
		return err
	}
	c.Metadata = stampMetadata(meta, n.ID, m.p.Suffix, m.p.ScopeID)
	c.Lineage = m.lineage(model.KindNode, n.ID)

	if err := m.tx.InsertNode(ctx, c); err != nil {
		return abort(model.KindNode, newID, err)
	}
	m.tree.PutNode(c)
	m.batch[newID] = true
	m.res.Created.Nodes++
	return nil
}

func (m *materializer) nodes(ctx context.Context) error {
	for _, n := range m.p.nodes {
		if err := m.copyNode(ctx, n, m.newID(model.KindNode, n.ID), m.parentOf(n), ""); err != nil {
			return err
		}
	}
	return nil
}

func (m *materializer) formulas(ctx context.Context) error {
	for _, f := range m.p.formulas {
		newID := m.newID(model.KindFormula, f.ID)
		c := f.Clone()
		c.ID = newID
		c.NodeID = m.mapped(model.KindNode, f.NodeID)
		c.Name = suffixLabel(f.Name, f.CopySuffix, m.p.Suffix)
		tokens, err := m.rewrite(model.KindFormula, newID, f.Tokens)
		if err != nil {
			return err
		}
		c.Tokens = tokens
		c.Lineage = m.lineage(model.KindFormula, f.ID)
		if err := m.tx.InsertFormula(ctx, c); err != nil {
			return abort(model.KindFormula, newID, err)
		}
		m.tree.PutFormula(c)
		m.batch[newID] = true
		m.res.Created.Formulas++
	}
	return nil
}

func (m *materializer) conditions(ctx context.Context) error {
	for _, cond := range m.p.conditions {
		newID := m.newID(model.KindCondition, cond.ID)
		c := cond.Clone()
		c.ID = newID
		c.NodeID = m.mapped(model.KindNode, cond.NodeID)
		c.Name = suffixLabel(cond.Name, cond.CopySuffix, m.p.Suffix)
		set, err := m.rewrite(model.KindCondition, newID, cond.ConditionSet)
		if err != nil {
			return err
		}
		c.ConditionSet = set
		c.Lineage = m.lineage(model.KindCondition, cond.ID)
		if err := m.tx.InsertCondition(ctx, c); err != nil {
			return abort(model.KindCondition, newID, err)
		}
		m.tree.PutCondition(c)
		m.batch[newID] = true
		m.res.Created.Conditions++
	}
	return nil
}

func (m *materializer) tables(ctx context.Context) error {
	for _, t := range m.p.tables {
		newID := m.newID(model.KindTable, t.ID)
		c := t.Clone()
		c.ID = newID
		c.NodeID = m.mapped(model.KindNode, t.NodeID)
		c.Name = suffixLabel(t.Name, t.CopySuffix, m.p.Suffix)
		var err error
		if c.Columns, err = m.rewrite(model.KindTable, newID, t.Columns); err != nil {
			return err
		}
		if c.Rows, err = m.rewrite(model.KindTable, newID, t.Rows); err != nil {
			return err
		}
		if c.Meta, err = m.rewrite(model.KindTable, newID, t.Meta); err != nil {
			return err
		}
		c.Lineage = m.lineage(model.KindTable, t.ID)
		if err := m.tx.InsertTable(ctx, c); err != nil {
			return abort(model.KindTable, newID, err)
		}
		m.tree.PutTable(c)
		m.batch[newID] = true
		m.res.Created.Tables++
	}
	return nil
}

// variables: копия строится от непосредственного источника (даже если он сам копия).
func (m *materializer) variables(ctx context.Context) error {
	for _, v := range m.p.variables {
		newID := m.newID(model.KindVariable, v.ID)
		c := v.Clone()
		c.ID = newID
		c.NodeID = m.mapped(model.KindNode, v.NodeID)
		c.ExposedKey = suffixLabel(v.ExposedKey, v.CopySuffix, m.p.Suffix)
		c.DisplayName = suffixLabel(v.DisplayName, v.CopySuffix, m.p.Suffix)
		c.SourceRef = rewriteSourceRef(v.SourceRef, m.mapper)
		c.DisplayNodeID = ident.DisplayID(newID)
		c.Lineage = m.lineage(model.KindVariable, v.ID)
		if err := m.tx.InsertVariable(ctx, c); err != nil {
			return abort(model.KindVariable, newID, err)
		}
		m.tree.PutVariable(c)
		m.batch[newID] = true
		m.res.Created.Variables++
		m.res.Variables = append(m.res.Variables, c)
	}
	return nil
}

// rewriteSourceRef сохраняет форму sourceRef и меняет только id цели.
func rewriteSourceRef(s string, fn ref.Mapper) string {
	r, ok := ref.ParseSourceRef(s)
	if !ok {
		return s
	}
	target, ok := fn(r)
	if !ok {
		return s
	}
	return r.WithTarget(target).String()
}

// suffixLabel: "Label" -> "Label-2"; у копии старый суффикс сначала снимается.
func suffixLabel(label string, srcSuffix, n int) string {
	if label == "" {
		return ""
	}
	base := label
	if srcSuffix > 0 {
		base = strings.TrimSuffix(label, "-"+strconv.Itoa(srcSuffix))
	}
	return base + "-" + strconv.Itoa(n)
}

// stampMetadata дописывает происхождение копии. Не-объект оставляем как есть.
func stampMetadata(raw json.RawMessage, from string, suffix int, scopeID string) json.RawMessage {
	meta := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&meta); err != nil || meta == nil {
			return raw
		}
	}
	meta["copiedFromNodeId"] = from
	meta["copySuffix"] = suffix
	if scopeID != "" {
		meta["repeatScopeId"] = scopeID
	}
	out, err := json.Marshal(meta)
	if err != nil {
		return raw
	}
	return out
}
