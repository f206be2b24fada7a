package copier

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"treeleaf/internal/ident"
	"treeleaf/internal/model"
	"treeleaf/internal/ref"
	"treeleaf/internal/registry"
	"treeleaf/internal/store"
)

// maxSuffixProbe: сколько свободных суффиксов перебираем при Suffix=0.
const maxSuffixProbe = 1000

// Entity: одна строка плана.
type Entity struct {
	Kind      model.Kind `json:"kind"`
	OldID     string     `json:"oldId,omitempty"`
	NewID     string     `json:"newId"`
	Canonical string     `json:"canonical"`
	// Synthetic: создаётся без источника (недостающий узел отображения)
	Synthetic bool `json:"synthetic,omitempty"`
}

type RootPlan struct {
	OldID    string `json:"oldId"`
	NewID    string `json:"newId"`
	ParentID string `json:"parentId,omitempty"`
}

// Plan: результат фазы Plan. Одноразовый: Materialize дописывает в снимок.
type Plan struct {
	TreeID   string                  `json:"treeId"`
	Suffix   int                     `json:"suffix"`
	ScopeID  string                  `json:"scopeId,omitempty"`
	Actor    string                  `json:"actor,omitempty"`
	Roots    []RootPlan              `json:"roots"`
	Entities []Entity                `json:"entities"`
	Totals   []string                `json:"totals,omitempty"`
	Warnings []*DuplicateSuffixError `json:"warnings,omitempty"`

	Mapping *registry.Registry `json:"-"`

	res        resolver
	nodes      []*model.Node // родитель раньше потомка
	displays   []*model.Node // основные отображения переменных, вне nodes
	formulas   []*model.Formula
	conditions []*model.Condition
	tables     []*model.Table
	variables  []*model.Variable
	rootParent map[string]string
	// переменная -> её отображение-источник (nil: создать)
	displayOf map[string]*model.Node
	// отображение -> переменная-владелец
	displayOwner map[string]string
	totals       []*model.Node
}

// Counts: сколько сущностей создаст план.
func (p *Plan) Counts() Counts {
	c := Counts{
		Nodes:      len(p.nodes) + len(p.variables),
		Displays:   len(p.variables),
		Formulas:   len(p.formulas),
		Conditions: len(p.conditions),
		Tables:     len(p.tables),
		Variables:  len(p.variables),
	}
	return c
}

type planner struct {
	req      Request
	res      resolver
	tree     *model.Tree
	inScope  map[string]bool
	nodes    []*model.Node
	subDisps []*model.Node
}

// Plan обходит поддерево и строит реестр old→new. Ничего не пишет.
func (e *Engine) Plan(ctx context.Context, tx store.Tx, req Request) (*Plan, error) {
	roots := rootIDs(req)
	if len(roots) == 0 {
		return nil, errors.New("copy: root id is required")
	}
	if req.Suffix < 0 {
		return nil, fmt.Errorf("copy: negative suffix %d", req.Suffix)
	}
	first, err := tx.GetNode(ctx, roots[0])
	if err != nil {
		return nil, fmt.Errorf("copy root: %w", err)
	}
	tree, err := tx.LoadTree(ctx, first.TreeID)
	if err != nil {
		return nil, err
	}

	b := &planner{req: req, res: newResolver(tree), tree: tree, inScope: map[string]bool{}}
	p := &Plan{
		TreeID:       tree.ID,
		ScopeID:      req.ScopeID,
		Actor:        req.Actor,
		res:          b.res,
		rootParent:   map[string]string{},
		displayOf:    map[string]*model.Node{},
		displayOwner: map[string]string{},
	}

	var unresolved []Unresolved
	for _, id := range roots {
		n := tree.Nodes[id]
		if n == nil {
			return nil, fmt.Errorf("copy root %s: %w", id, store.ErrNotFound)
		}
		parent := n.ParentID
		if req.TargetParentID != "" {
			parent = req.TargetParentID
		}
		if parent != "" && tree.Nodes[parent] == nil {
			unresolved = append(unresolved, Unresolved{Kind: model.KindNode, ID: n.ID, Field: "parentId",
				Reference: ref.Reference{Kind: ref.KindNode, TargetID: parent, Form: ref.FormBare}})
		}
		p.rootParent[n.ID] = parent
		b.addSubtree(n)
	}
	if req.ForkSharedRefs {
		b.pullShared()
	}
	p.nodes = b.dropInstances(p.rootParent)
	if dropped := len(b.nodes) - len(p.nodes); dropped > 0 {
		e.log.Debug().Int("dropped", dropped).Msg("copies of in-batch nodes are not duplicated")
	}

	// capacities и переменные узлов партии
	for _, n := range p.nodes {
		p.formulas = append(p.formulas, tree.FormulasOf(n.ID)...)
		p.conditions = append(p.conditions, tree.ConditionsOf(n.ID)...)
		p.tables = append(p.tables, tree.TablesOf(n.ID)...)
		p.variables = append(p.variables, tree.VariablesOf(n.ID)...)
	}

	// отображения: ровно одно на переменную
	for _, v := range p.variables {
		d := primaryDisplay(tree, v)
		if d != nil {
			if _, claimed := p.displayOwner[d.ID]; claimed {
				d = nil
			}
		}
		p.displayOf[v.ID] = d
		if d != nil {
			p.displayOwner[d.ID] = v.ID
			p.displays = append(p.displays, d)
		}
	}
	copied := make(map[string]bool, len(p.variables))
	for _, v := range p.variables {
		copied[v.ID] = true
	}
	for _, d := range b.subDisps {
		if _, ok := p.displayOwner[d.ID]; ok {
			continue
		}
		owner := displayVariable(d)
		if copied[owner] {
			e.log.Debug().Str("display", d.ID).Str("variable", owner).Msg("secondary display of a copied variable is not duplicated")
		} else {
			e.log.Debug().Str("display", d.ID).Str("variable", owner).Msg("display of a variable outside the copy is not duplicated")
		}
	}

	unresolved = append(unresolved, b.verify(p)...)
	if len(unresolved) > 0 {
		return nil, &UnresolvableReferenceError{References: unresolved}
	}

	if err := e.assign(p, req.Suffix); err != nil {
		return nil, err
	}

	// «Total»-узлы, агрегирующие что-то из партии
	seenTotal := map[string]bool{}
	for _, n := range p.nodes {
		for _, t := range tree.Totals(b.res.canonical(model.KindNode, n.ID)) {
			if !seenTotal[t.ID] {
				seenTotal[t.ID] = true
				p.totals = append(p.totals, t)
				p.Totals = append(p.Totals, t.ID)
			}
		}
	}

	for _, w := range p.Warnings {
		e.log.Warn().Str("kind", string(w.Kind)).Str("id", w.ID).Str("canonical", w.Canonical).Int("suffix", w.Suffix).
			Msg("duplicate suffix normalized")
	}
	e.log.Debug().Str("tree", p.TreeID).Int("suffix", p.Suffix).Int("entities", len(p.Entities)).Msg("copy planned")
	return p, nil
}

func rootIDs(req Request) []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range append([]string{req.RootID}, req.Roots...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func isShared(n *model.Node) bool { return n.IsSharedReference || ref.IsSharedID(n.ID) }

// addSubtree: BFS от root. Узлы «Total» и (без форка) общие ссылки считаются границей
// партии; отображения откладываются до выбора основного.
func (b *planner) addSubtree(root *model.Node) {
	queue := []*model.Node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if b.inScope[n.ID] {
			continue
		}
		if n != root {
			if n.Type == model.NodeTotal || (isShared(n) && !b.req.ForkSharedRefs) {
				continue
			}
			if n.Type == model.NodeDisplay {
				b.subDisps = append(b.subDisps, n)
				continue
			}
		}
		b.inScope[n.ID] = true
		b.nodes = append(b.nodes, n)
		queue = append(queue, b.tree.Children(n.ID)...)
	}
}

// dropInstances убирает из партии копии узлов, чей оригинал сам в партии
// (экземпляры повторителя), вместе с их потомками. Корни остаются.
func (b *planner) dropInstances(roots map[string]string) []*model.Node {
	dropped := map[string]bool{}
	out := make([]*model.Node, 0, len(b.nodes))
	for _, n := range b.nodes {
		if _, root := roots[n.ID]; !root {
			c := b.res.canonical(model.KindNode, n.ID)
			if dropped[n.ParentID] || (c != n.ID && b.inScope[c]) {
				dropped[n.ID] = true
				continue
			}
		}
		out = append(out, n)
	}
	for id := range dropped {
		delete(b.inScope, id)
	}
	return out
}

// pullShared добавляет в партию общие узлы, достижимые по ссылкам.
func (b *planner) pullShared() {
	start := make([]ref.Key, 0, len(b.nodes))
	for _, n := range b.nodes {
		start = append(start, ref.Key{Kind: model.KindNode, ID: n.ID})
	}
	reach := ref.Closure(start, b.outgoing)
	for _, k := range reach {
		if k.Kind != model.KindNode || b.inScope[k.ID] {
			continue
		}
		if n := b.tree.Nodes[k.ID]; n != nil && isShared(n) {
			b.addSubtree(n)
		}
	}
}

// followed: раскрываем только узлы партии и общие узлы.
func (b *planner) followed(nodeID string) bool {
	n := b.tree.Nodes[nodeID]
	return n != nil && (b.inScope[nodeID] || isShared(n))
}

// outgoing: исходящие ссылки сущности в снимке.
func (b *planner) outgoing(k ref.Key) []ref.Reference {
	var raws [][]byte
	var out []ref.Reference
	switch k.Kind {
	case model.KindNode:
		if !b.followed(k.ID) {
			return nil
		}
		n := b.tree.Nodes[k.ID]
		if n.SharedReferenceID != "" {
			out = append(out, ref.Reference{Kind: ref.KindSharedRef, TargetID: n.SharedReferenceID, Form: ref.FormBare})
		}
		for _, f := range b.tree.FormulasOf(n.ID) {
			out = append(out, ref.Reference{Kind: ref.KindFormula, TargetID: f.ID, Form: ref.FormFormula})
		}
		for _, c := range b.tree.ConditionsOf(n.ID) {
			out = append(out, ref.Reference{Kind: ref.KindCondition, TargetID: c.ID, Form: ref.FormCondition})
		}
		for _, t := range b.tree.TablesOf(n.ID) {
			out = append(out, ref.Reference{Kind: ref.KindTable, TargetID: t.ID, Form: ref.FormTable})
		}
		for _, c := range b.tree.Children(n.ID) {
			out = append(out, ref.Reference{Kind: ref.KindNode, TargetID: c.ID, Form: ref.FormBare})
		}
	case model.KindFormula:
		if f := b.tree.Formulas[k.ID]; f != nil && b.followed(f.NodeID) {
			raws = append(raws, f.Tokens)
		}
	case model.KindCondition:
		if c := b.tree.Conditions[k.ID]; c != nil && b.followed(c.NodeID) {
			raws = append(raws, c.ConditionSet)
		}
	case model.KindTable:
		if t := b.tree.Tables[k.ID]; t != nil && b.followed(t.NodeID) {
			raws = append(raws, t.Columns, t.Rows, t.Meta)
		}
	}
	for _, raw := range raws {
		refs, err := ref.ExtractJSON(raw)
		if err != nil {
			continue
		}
		out = append(out, refs...)
	}
	return out
}

// primaryDisplay: отображение, которое станет отображением копии переменной.
func displayVariable(d *model.Node) string {
	if d.OwnerVariableID != "" {
		return d.OwnerVariableID
	}
	id, _ := ident.VariableOfDisplay(d.ID)
	return id
}

func primaryDisplay(t *model.Tree, v *model.Variable) *model.Node {
	if v.DisplayNodeID != "" {
		if d := t.Nodes[v.DisplayNodeID]; d != nil {
			return d
		}
	}
	if d := t.Nodes[ident.DisplayID(v.ID)]; d != nil {
		return d
	}
	if ds := t.DisplaysOf(v.ID); len(ds) > 0 {
		return ds[0]
	}
	return nil
}

// verify: каждая префиксная ссылка из payload'ов партии должна разрешаться.
func (b *planner) verify(p *Plan) []Unresolved {
	var out []Unresolved
	check := func(kind model.Kind, id, field string, raw []byte) {
		refs, err := ref.ExtractJSON(raw)
		if err != nil {
			out = append(out, Unresolved{Kind: kind, ID: id, Field: field + ": " + err.Error()})
			return
		}
		for _, r := range ref.Unique(refs) {
			if r.Bare() || b.tree.Exists(r.Entity(), r.TargetID) {
				continue
			}
			out = append(out, Unresolved{Kind: kind, ID: id, Field: field, Reference: r})
		}
	}
	for _, f := range p.formulas {
		check(model.KindFormula, f.ID, "tokens", f.Tokens)
	}
	for _, c := range p.conditions {
		check(model.KindCondition, c.ID, "conditionSet", c.ConditionSet)
	}
	for _, t := range p.tables {
		check(model.KindTable, t.ID, "columns", t.Columns)
		check(model.KindTable, t.ID, "rows", t.Rows)
		check(model.KindTable, t.ID, "meta", t.Meta)
	}
	for _, v := range p.variables {
		if r, ok := ref.ParseSourceRef(v.SourceRef); ok && !r.Bare() && !b.tree.Exists(r.Entity(), r.TargetID) {
			out = append(out, Unresolved{Kind: model.KindVariable, ID: v.ID, Field: "sourceRef", Reference: r})
		}
	}
	return out
}

// nextSuffix: максимальный номер копии среди узлов партии + 1.
func (p *Plan) nextSuffix() int {
	canon := map[string]bool{}
	for _, n := range p.nodes {
		canon[p.res.canonical(model.KindNode, n.ID)] = true
	}
	top := 0
	for _, n := range p.res.tree.Nodes {
		if !canon[p.res.canonical(model.KindNode, n.ID)] {
			continue
		}
		if s := p.res.suffixOf(n); s > top {
			top = s
		}
	}
	return top + 1
}

// assign раздаёт новые id. Занятый явный суффикс даёт ошибку, иначе берём следующий.
func (e *Engine) assign(p *Plan, requested int) error {
	suffix := requested
	if suffix == 0 {
		suffix = p.nextSuffix()
	}
	for probe := 0; probe < maxSuffixProbe; probe++ {
		taken := p.tryAssign(suffix)
		if taken == nil {
			return nil
		}
		if requested != 0 {
			return taken
		}
		suffix++
	}
	return fmt.Errorf("copy: no free suffix after %d attempts", maxSuffixProbe)
}

func (p *Plan) tryAssign(suffix int) *SuffixTakenError {
	reg := registry.New()
	var entities []Entity
	var warnings []*DuplicateSuffixError
	tree := p.res.tree

	next := func(kind model.Kind, id string) (string, string) {
		canonical := p.res.canonical(kind, id)
		if canonical != id {
			warnings = append(warnings, &DuplicateSuffixError{Kind: kind, ID: id, Canonical: canonical, Suffix: suffix})
		}
		return canonical + "-" + strconv.Itoa(suffix), canonical
	}
	// в реестр попадают только уникальные пары; конфликт здесь означает
	// совпавшие id разных сущностей одного вида
	add := func(kind model.Kind, oldID, newID, canonical string) *SuffixTakenError {
		if tree.Exists(kind, newID) {
			return &SuffixTakenError{Kind: kind, ID: newID, Suffix: suffix}
		}
		if err := reg.Register(kind, oldID, newID); err != nil {
			return &SuffixTakenError{Kind: kind, ID: newID, Suffix: suffix}
		}
		entities = append(entities, Entity{Kind: kind, OldID: oldID, NewID: newID, Canonical: canonical})
		return nil
	}

	for _, n := range p.nodes {
		newID, canonical := next(model.KindNode, n.ID)
		if err := add(model.KindNode, n.ID, newID, canonical); err != nil {
			return err
		}
	}
	for _, f := range p.formulas {
		newID, canonical := next(model.KindFormula, f.ID)
		if err := add(model.KindFormula, f.ID, newID, canonical); err != nil {
			return err
		}
	}
	for _, c := range p.conditions {
		newID, canonical := next(model.KindCondition, c.ID)
		if err := add(model.KindCondition, c.ID, newID, canonical); err != nil {
			return err
		}
	}
	for _, t := range p.tables {
		newID, canonical := next(model.KindTable, t.ID)
		if err := add(model.KindTable, t.ID, newID, canonical); err != nil {
			return err
		}
	}
	for _, v := range p.variables {
		newID, canonical := next(model.KindVariable, v.ID)
		if err := add(model.KindVariable, v.ID, newID, canonical); err != nil {
			return err
		}
		displayID := ident.DisplayID(newID)
		if d := p.displayOf[v.ID]; d != nil {
			if err := add(model.KindNode, d.ID, displayID, ident.DisplayID(canonical)); err != nil {
				return err
			}
			continue
		}
		if tree.Exists(model.KindNode, displayID) {
			return &SuffixTakenError{Kind: model.KindNode, ID: displayID, Suffix: suffix}
		}
		entities = append(entities, Entity{Kind: model.KindNode, NewID: displayID, Canonical: ident.DisplayID(canonical), Synthetic: true})
	}

	p.Suffix = suffix
	p.Mapping = reg
	p.Entities = entities
	p.Warnings = warnings
	p.Roots = p.Roots[:0]
	for _, n := range p.nodes {
		if parent, ok := p.rootParent[n.ID]; ok {
			newID, _ := reg.Resolve(model.KindNode, n.ID)
			p.Roots = append(p.Roots, RootPlan{OldID: n.ID, NewID: newID, ParentID: parent})
		}
	}
	return nil
}
