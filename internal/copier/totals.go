package copier

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"treeleaf/internal/ident"
	"treeleaf/internal/model"
)

// recomputeTotals пересобирает формулу суммы у «Total»-узлов по всем текущим
// копиям и пересчитывает значение из их CalculatedValue.
func (m *materializer) recomputeTotals(ctx context.Context) error {
	for _, t := range m.p.totals {
		copies := m.copiesOf(t.AggregateOf)
		tokens, err := json.Marshal(sumTokens(copies))
		if err != nil {
			return abort(model.KindFormula, ident.TotalFormulaID(t.ID), err)
		}
		fid := ident.TotalFormulaID(t.ID)
		if f := m.tree.Formulas[fid]; f != nil {
			c := f.Clone()
			c.Tokens = tokens
			if err := m.tx.UpdateFormula(ctx, c); err != nil {
				return abort(model.KindFormula, fid, err)
			}
			m.tree.PutFormula(c)
		} else {
			f := &model.Formula{ID: fid, TreeID: t.TreeID, NodeID: t.ID, Name: t.Label, Tokens: tokens}
			if err := m.tx.InsertFormula(ctx, f); err != nil {
				return abort(model.KindFormula, fid, err)
			}
			m.tree.PutFormula(f)
		}

		n := m.tree.Nodes[t.ID].Clone()
		total := sumValues(copies)
		n.CalculatedValue = &total
		n.HasFormula = true
		if !contains(n.LinkedFormulaIDs, fid) {
			n.LinkedFormulaIDs = append(n.LinkedFormulaIDs, fid)
		}
		if err := m.tx.UpdateNode(ctx, n); err != nil {
			return abort(model.KindNode, n.ID, err)
		}
		m.tree.PutNode(n)
		m.res.Totals = append(m.res.Totals, n.ID)
	}
	return nil
}

// copiesOf: оригинал и все копии канонического узла, по номеру копии.
func (m *materializer) copiesOf(canonical string) []*model.Node {
	var out []*model.Node
	for _, n := range m.tree.Nodes {
		if n.Type != model.NodeTotal && m.p.res.canonical(model.KindNode, n.ID) == canonical {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := m.p.res.suffixOf(out[i]), m.p.res.suffixOf(out[j])
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sumTokens(nodes []*model.Node) []string {
	tokens := make([]string, 0, 2*len(nodes))
	for i, n := range nodes {
		if i > 0 {
			tokens = append(tokens, "+")
		}
		tokens = append(tokens, "@value."+n.ID)
	}
	return tokens
}

// sumValues: нечисловое или пустое значение считается нулём.
func sumValues(nodes []*model.Node) string {
	var sum float64
	for _, n := range nodes {
		if n.CalculatedValue == nil {
			continue
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(*n.CalculatedValue), 64); err == nil {
			sum += v
		}
	}
	return strconv.FormatFloat(sum, 'f', -1, 64)
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
