package copier

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"treeleaf/internal/ident"
	"treeleaf/internal/integrity"
	"treeleaf/internal/model"
	"treeleaf/internal/ref"
	"treeleaf/internal/registry"
	"treeleaf/internal/store"
)

// VariableRequest: копия одной переменной вместе с её capacity (по sourceRef)
// и узлом отображения.
type VariableRequest struct {
	// NodeID: узел, от имени которого копируем; владелец по умолчанию
	NodeID     string `json:"nodeId"`
	VariableID string `json:"variableId"`
	// Suffix 0: следующий свободный для этой переменной
	Suffix        int    `json:"newSuffix,omitempty"`
	DuplicateNode bool   `json:"duplicateNode,omitempty"`
	TargetNodeID  string `json:"targetNodeId,omitempty"`
}

type VariableResult struct {
	VariableID    string `json:"variableId"`
	NodeID        string `json:"nodeId"`
	DisplayNodeID string `json:"displayNodeId"`
	CapacityID    string `json:"capacityId,omitempty"`
	Suffix        int    `json:"suffix"`

	Variable *model.Variable `json:"-"`
}

// CopyVariable копирует переменную в рамках tx. Копия строится от
// непосредственного источника, даже если он сам копия.
func (e *Engine) CopyVariable(ctx context.Context, tx store.Tx, req VariableRequest) (*VariableResult, error) {
	if req.VariableID == "" {
		return nil, errors.New("copy variable: variable id is required")
	}
	if req.Suffix < 0 {
		return nil, fmt.Errorf("copy variable: negative suffix %d", req.Suffix)
	}
	start, err := tx.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, fmt.Errorf("copy variable node %s: %w", req.NodeID, err)
	}
	tree, err := tx.LoadTree(ctx, start.TreeID)
	if err != nil {
		return nil, err
	}
	v := tree.Variables[req.VariableID]
	if v == nil {
		return nil, fmt.Errorf("variable %s: %w", req.VariableID, store.ErrNotFound)
	}
	res := newResolver(tree)
	canonical := res.canonical(model.KindVariable, v.ID)
	if canonical != v.ID {
		w := &DuplicateSuffixError{Kind: model.KindVariable, ID: v.ID, Canonical: canonical, Suffix: req.Suffix}
		e.log.Warn().Str("kind", string(w.Kind)).Str("id", w.ID).Str("canonical", w.Canonical).Msg("duplicate suffix normalized")
	}
	suffix, err := variableSuffix(tree, res, canonical, req.Suffix)
	if err != nil {
		return nil, err
	}
	newVarID := canonical + "-" + strconv.Itoa(suffix)
	displayID := ident.DisplayID(newVarID)

	reg := registry.New()
	if err := reg.Register(model.KindVariable, v.ID, newVarID); err != nil {
		return nil, err
	}
	batch := map[string]bool{newVarID: true, displayID: true}

	ownerID := req.NodeID
	switch {
	case req.TargetNodeID != "":
		if tree.Nodes[req.TargetNodeID] == nil {
			return nil, &UnresolvableReferenceError{References: []Unresolved{{Kind: model.KindVariable, ID: v.ID, Field: "targetNodeId",
				Reference: ref.Reference{Kind: ref.KindNode, TargetID: req.TargetNodeID, Form: ref.FormBare}}}}
		}
		ownerID = req.TargetNodeID
	case req.DuplicateNode:
		ownerID, err = e.duplicateOwner(ctx, tx, tree, res, v.NodeID, suffix)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(model.KindNode, v.NodeID, ownerID); err != nil {
			return nil, err
		}
		batch[ownerID] = true
	}
	owner := tree.Nodes[ownerID].Clone()

	out := &VariableResult{VariableID: newVarID, NodeID: ownerID, DisplayNodeID: displayID, Suffix: suffix}

	// capacity, на которую указывает sourceRef
	if r, ok := ref.ParseSourceRef(v.SourceRef); ok && r.Entity() != model.KindNode {
		capID, err := copyCapacity(ctx, tx, tree, res, reg, r.Entity(), r.TargetID, owner, suffix)
		if err != nil {
			return nil, err
		}
		out.CapacityID = capID
		batch[capID] = true
	}

	mapper := reg.Mapper()
	nv := v.Clone()
	nv.ID = newVarID
	nv.NodeID = ownerID
	nv.ExposedKey = suffixLabel(v.ExposedKey, v.CopySuffix, suffix)
	nv.DisplayName = suffixLabel(v.DisplayName, v.CopySuffix, suffix)
	nv.SourceRef = rewriteSourceRef(v.SourceRef, mapper)
	nv.DisplayNodeID = displayID
	nv.Lineage = model.Lineage{CanonicalID: canonical, CopySuffix: suffix, CopiedFromID: v.ID}
	if err := tx.InsertVariable(ctx, nv); err != nil {
		return nil, abort(model.KindVariable, newVarID, err)
	}
	tree.PutVariable(nv)

	d := variableDisplay(tree, v, nv, owner, canonical, suffix)
	meta, err := ref.RewriteJSON(d.Metadata, mapper)
	if err != nil {
		return nil, abort(model.KindNode, displayID, err)
	}
	d.Metadata = meta
	if err := tx.InsertNode(ctx, d); err != nil {
		return nil, abort(model.KindNode, displayID, err)
	}
	tree.PutNode(d)

	if !contains(owner.LinkedVariableIDs, newVarID) {
		owner.LinkedVariableIDs = append(owner.LinkedVariableIDs, newVarID)
	}
	if err := tx.UpdateNode(ctx, owner); err != nil {
		return nil, abort(model.KindNode, owner.ID, err)
	}
	tree.PutNode(owner)

	if issues := integrity.Scope(integrity.Check(tree), batch); len(issues) > 0 {
		return nil, &OrphanEntityError{Issues: issues}
	}
	out.Variable = nv
	e.log.Info().Str("variable", v.ID).Str("copy", newVarID).Str("owner", ownerID).Int("suffix", suffix).Msg("variable copied")
	return out, nil
}

// variableSuffix: явный суффикс либо следующий свободный среди копий переменной.
func variableSuffix(tree *model.Tree, res resolver, canonical string, requested int) (int, error) {
	free := func(n int) bool {
		id := canonical + "-" + strconv.Itoa(n)
		return !tree.Exists(model.KindVariable, id) && !tree.Exists(model.KindNode, ident.DisplayID(id))
	}
	if requested > 0 {
		if !free(requested) {
			return 0, &SuffixTakenError{Kind: model.KindVariable, ID: canonical + "-" + strconv.Itoa(requested), Suffix: requested}
		}
		return requested, nil
	}
	top := 0
	for _, v := range tree.Variables {
		if res.canonical(model.KindVariable, v.ID) != canonical {
			continue
		}
		s := v.CopySuffix
		if s == 0 {
			s, _ = res.scheme.Suffix(v.ID)
		}
		if s > top {
			top = s
		}
	}
	for n := top + 1; n <= top+maxSuffixProbe; n++ {
		if free(n) {
			return n, nil
		}
	}
	return 0, fmt.Errorf("copy variable: no free suffix after %d attempts", maxSuffixProbe)
}

// duplicateOwner: плоская копия узла-владельца (без capacities и детей).
// Уже существующая копия с тем же суффиксом переиспользуется.
func (e *Engine) duplicateOwner(ctx context.Context, tx store.Tx, tree *model.Tree, res resolver, srcID string, suffix int) (string, error) {
	src := tree.Nodes[srcID]
	if src == nil {
		return "", fmt.Errorf("owner node %s: %w", srcID, store.ErrNotFound)
	}
	canonical := res.canonical(model.KindNode, src.ID)
	newID := canonical + "-" + strconv.Itoa(suffix)
	if tree.Nodes[newID] != nil {
		return newID, nil
	}
	c := src.Clone()
	c.ID = newID
	c.Label = suffixLabel(src.Label, src.CopySuffix, suffix)
	c.HasFormula, c.HasCondition, c.HasTable = false, false, false
	c.LinkedFormulaIDs, c.LinkedConditionIDs, c.LinkedTableIDs, c.LinkedVariableIDs = nil, nil, nil, nil
	c.TemplateNodeIDs = nil
	c.CalculatedValue = nil
	c.Metadata = stampMetadata(src.Metadata, src.ID, suffix, "")
	c.Lineage = model.Lineage{CanonicalID: canonical, CopySuffix: suffix, CopiedFromID: src.ID}
	if err := tx.InsertNode(ctx, c); err != nil {
		return "", abort(model.KindNode, newID, err)
	}
	tree.PutNode(c)
	return newID, nil
}

// copyCapacity копирует formula/condition/table источника переменной на owner.
// Если копия с тем же суффиксом уже есть, она переиспользуется.
func copyCapacity(ctx context.Context, tx store.Tx, tree *model.Tree, res resolver, reg *registry.Registry,
	kind model.Kind, id string, owner *model.Node, suffix int) (string, error) {
	if !tree.Exists(kind, id) {
		return "", &UnresolvableReferenceError{References: []Unresolved{{Kind: kind, ID: id, Field: "sourceRef",
			Reference: ref.Reference{Kind: ref.Kind(kind), TargetID: id, Form: ref.FormBare}}}}
	}
	newID := res.canonical(kind, id) + "-" + strconv.Itoa(suffix)
	if err := reg.Register(kind, id, newID); err != nil {
		return "", err
	}
	lin := model.Lineage{CanonicalID: res.canonical(kind, id), CopySuffix: suffix, CopiedFromID: id}
	exists := tree.Exists(kind, newID)
	mapper := reg.Mapper()

	var err error
	switch kind {
	case model.KindFormula:
		owner.HasFormula = true
		if !contains(owner.LinkedFormulaIDs, newID) {
			owner.LinkedFormulaIDs = append(owner.LinkedFormulaIDs, newID)
		}
		if exists {
			return newID, nil
		}
		src := tree.Formulas[id]
		c := src.Clone()
		c.ID, c.NodeID, c.Lineage = newID, owner.ID, lin
		c.Name = suffixLabel(src.Name, src.CopySuffix, suffix)
		if c.Tokens, err = ref.RewriteJSON(src.Tokens, mapper); err != nil {
			return "", abort(kind, newID, err)
		}
		if err := tx.InsertFormula(ctx, c); err != nil {
			return "", abort(kind, newID, err)
		}
		tree.PutFormula(c)
	case model.KindCondition:
		owner.HasCondition = true
		if !contains(owner.LinkedConditionIDs, newID) {
			owner.LinkedConditionIDs = append(owner.LinkedConditionIDs, newID)
		}
		if exists {
			return newID, nil
		}
		src := tree.Conditions[id]
		c := src.Clone()
		c.ID, c.NodeID, c.Lineage = newID, owner.ID, lin
		c.Name = suffixLabel(src.Name, src.CopySuffix, suffix)
		if c.ConditionSet, err = ref.RewriteJSON(src.ConditionSet, mapper); err != nil {
			return "", abort(kind, newID, err)
		}
		if err := tx.InsertCondition(ctx, c); err != nil {
			return "", abort(kind, newID, err)
		}
		tree.PutCondition(c)
	case model.KindTable:
		owner.HasTable = true
		if !contains(owner.LinkedTableIDs, newID) {
			owner.LinkedTableIDs = append(owner.LinkedTableIDs, newID)
		}
		if exists {
			return newID, nil
		}
		src := tree.Tables[id]
		c := src.Clone()
		c.ID, c.NodeID, c.Lineage = newID, owner.ID, lin
		c.Name = suffixLabel(src.Name, src.CopySuffix, suffix)
		if c.Columns, err = ref.RewriteJSON(src.Columns, mapper); err != nil {
			return "", abort(kind, newID, err)
		}
		if c.Rows, err = ref.RewriteJSON(src.Rows, mapper); err != nil {
			return "", abort(kind, newID, err)
		}
		if c.Meta, err = ref.RewriteJSON(src.Meta, mapper); err != nil {
			return "", abort(kind, newID, err)
		}
		if err := tx.InsertTable(ctx, c); err != nil {
			return "", abort(kind, newID, err)
		}
		tree.PutTable(c)
	}
	return newID, nil
}

// variableDisplay строит узел отображения копии. Это клон исходного отображения или новый.
func variableDisplay(tree *model.Tree, src, nv *model.Variable, owner *model.Node, canonical string, suffix int) *model.Node {
	lin := model.Lineage{CanonicalID: ident.DisplayID(canonical), CopySuffix: suffix}
	if d := primaryDisplay(tree, src); d != nil {
		c := d.Clone()
		c.ID = nv.DisplayNodeID
		c.ParentID = owner.ParentID
		c.Label = suffixLabel(d.Label, d.CopySuffix, suffix)
		c.OwnerVariableID = nv.ID
		c.CalculatedValue = nil
		c.Metadata = stampMetadata(d.Metadata, d.ID, suffix, "")
		lin.CopiedFromID = d.ID
		c.Lineage = lin
		return c
	}
	return &model.Node{
		ID:              nv.DisplayNodeID,
		TreeID:          nv.TreeID,
		ParentID:        owner.ParentID,
		Type:            model.NodeDisplay,
		Label:           nv.DisplayName,
		Order:           owner.Order + 1,
		HasData:         true,
		OwnerVariableID: nv.ID,
		Metadata:        stampMetadata(nil, ident.DisplayID(src.ID), suffix, ""),
		Lineage:         lin,
	}
}
