package copier

import (
	"context"

	"treeleaf/internal/ident"
	"treeleaf/internal/model"
)

// displays: у каждой новой переменной ровно одно отображение с id
// DisplayID(newVar), висящее в контейнере нового владельца.
func (m *materializer) displays(ctx context.Context) error {
	for _, v := range m.p.variables {
		newVar := m.newID(model.KindVariable, v.ID)
		displayID := ident.DisplayID(newVar)
		owner := m.tree.Nodes[m.mapped(model.KindNode, v.NodeID)]
		ownerParent := ""
		if owner != nil {
			ownerParent = owner.ParentID
		}

		if d := m.p.displayOf[v.ID]; d != nil {
			if err := m.copyNode(ctx, d, displayID, m.displayParent(d, v, ownerParent), newVar); err != nil {
				return err
			}
		} else if err := m.createDisplay(ctx, v, displayID, newVar, owner, ownerParent); err != nil {
			return err
		}
		m.res.Created.Displays++
		m.res.DisplayNodeIDs = append(m.res.DisplayNodeIDs, displayID)
	}
	return nil
}

// displayParent: внутри партии берём копию родителя; рядом с владельцем ставим рядом с
// новым владельцем; иначе прежний родитель.
func (m *materializer) displayParent(d *model.Node, v *model.Variable, ownerParent string) string {
	if p, ok := m.p.Mapping.Resolve(model.KindNode, d.ParentID); ok {
		return p
	}
	if src := m.tree.Nodes[v.NodeID]; src != nil && d.ParentID == src.ParentID {
		return ownerParent
	}
	return d.ParentID
}

func (m *materializer) createDisplay(ctx context.Context, v *model.Variable, displayID, newVar string, owner *model.Node, parent string) error {
	order := 0
	if owner != nil {
		order = owner.Order + 1
	}
	d := &model.Node{
		ID:              displayID,
		TreeID:          m.p.TreeID,
		ParentID:        parent,
		Type:            model.NodeDisplay,
		Label:           suffixLabel(v.DisplayName, v.CopySuffix, m.p.Suffix),
		Order:           order,
		HasData:         true,
		OwnerVariableID: newVar,
		Metadata:        stampMetadata(nil, ident.DisplayID(v.ID), m.p.Suffix, m.p.ScopeID),
		Lineage: model.Lineage{
			CanonicalID: ident.DisplayID(m.p.res.canonical(model.KindVariable, v.ID)),
			CopySuffix:  m.p.Suffix,
		},
	}
	if err := m.tx.InsertNode(ctx, d); err != nil {
		return abort(model.KindNode, displayID, err)
	}
	m.tree.PutNode(d)
	m.batch[displayID] = true
	m.res.Created.Nodes++
	return nil
}

// canonicalTemplates: templateNodeIds копии повторителя указывают на
// канонические шаблоны, без суффиксов и повторов.
func (m *materializer) canonicalTemplates(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		c := m.p.res.canonical(model.KindNode, id)
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
