// Package integrity ищет разрывы в связке узел / переменная / отображение и
// висячие ссылки. Только чтение: ничего не чинит.
package integrity

import (
	"fmt"
	"sort"

	"treeleaf/internal/ident"
	"treeleaf/internal/model"
	"treeleaf/internal/ref"
)

const (
	CodeVariableOwnerMissing  = "variable_owner_missing"
	CodeLinkedVariableMissing = "linked_variable_missing"
	CodeDisplayOwnerMissing   = "display_owner_missing"
	CodeDisplayIDMismatch     = "display_id_mismatch"
	CodeDisplayDuplicate      = "display_duplicate"
	CodeDisplayMissing        = "display_missing"
	CodeCapacityOwnerMissing  = "capacity_owner_missing"
	CodeTemplateSuffixed      = "template_suffixed"
	CodeTemplateMissing       = "template_missing"
	CodeDoubleSuffix          = "double_suffix"
	CodeReferenceUnresolved   = "reference_unresolved"
)

type Issue struct {
	Code    string     `json:"code"`
	Kind    model.Kind `json:"kind"`
	ID      string     `json:"id"`
	Field   string     `json:"field,omitempty"`
	Message string     `json:"message"`
	// Related: другие id, затронутые нарушением (цель ссылки, владелец)
	Related []string `json:"related,omitempty"`
}

// Check проверяет снимок дерева. Порядок результата стабилен.
func Check(t *model.Tree) []Issue {
	var issues []Issue
	add := func(i Issue) { issues = append(issues, i) }
	scheme := ident.NewScheme(t)

	// переменные
	for _, id := range model.SortedIDs(t.Variables) {
		v := t.Variables[id]
		if t.Nodes[v.NodeID] == nil {
			add(Issue{Code: CodeVariableOwnerMissing, Kind: model.KindVariable, ID: v.ID, Field: "nodeId",
				Message: fmt.Sprintf("owner node %q does not exist", v.NodeID), Related: []string{v.NodeID}})
		}
		displays := t.DisplaysOf(v.ID)
		switch {
		case len(displays) == 0:
			add(Issue{Code: CodeDisplayMissing, Kind: model.KindVariable, ID: v.ID,
				Message: fmt.Sprintf("no display node (expected %q)", ident.DisplayID(v.ID)), Related: []string{ident.DisplayID(v.ID)}})
		case len(displays) > 1:
			ids := make([]string, len(displays))
			for i, d := range displays {
				ids[i] = d.ID
			}
			add(Issue{Code: CodeDisplayDuplicate, Kind: model.KindVariable, ID: v.ID,
				Message: fmt.Sprintf("%d display nodes", len(displays)), Related: ids})
		}
		if v.DisplayNodeID != "" && t.Nodes[v.DisplayNodeID] == nil {
			add(Issue{Code: CodeDisplayMissing, Kind: model.KindVariable, ID: v.ID, Field: "displayNodeId",
				Message: fmt.Sprintf("display node %q does not exist", v.DisplayNodeID), Related: []string{v.DisplayNodeID}})
		}
		if r, ok := ref.ParseSourceRef(v.SourceRef); ok && !r.Bare() && !t.Exists(r.Entity(), r.TargetID) {
			add(Issue{Code: CodeReferenceUnresolved, Kind: model.KindVariable, ID: v.ID, Field: "sourceRef",
				Message: fmt.Sprintf("%s does not resolve", r), Related: []string{r.TargetID}})
		}
	}

	// узлы
	for _, id := range model.SortedIDs(t.Nodes) {
		n := t.Nodes[id]
		for _, vid := range n.LinkedVariableIDs {
			if t.Variables[vid] == nil {
				add(Issue{Code: CodeLinkedVariableMissing, Kind: model.KindNode, ID: n.ID, Field: "linkedVariableIds",
					Message: fmt.Sprintf("linked variable %q does not exist", vid), Related: []string{vid}})
			}
		}
		if n.Type == model.NodeDisplay {
			owner := n.OwnerVariableID
			if owner == "" {
				owner, _ = ident.VariableOfDisplay(n.ID)
			}
			if t.Variables[owner] == nil {
				add(Issue{Code: CodeDisplayOwnerMissing, Kind: model.KindNode, ID: n.ID, Field: "ownerVariableId",
					Message: fmt.Sprintf("owner variable %q does not exist", owner), Related: []string{owner}})
			} else if n.ID != ident.DisplayID(owner) {
				add(Issue{Code: CodeDisplayIDMismatch, Kind: model.KindNode, ID: n.ID,
					Message: fmt.Sprintf("display id should be %q", ident.DisplayID(owner)), Related: []string{owner}})
			}
		}
		if n.Type == model.NodeRepeater {
			for _, tid := range n.TemplateNodeIDs {
				tn := t.Nodes[tid]
				switch {
				case tn == nil:
					add(Issue{Code: CodeTemplateMissing, Kind: model.KindNode, ID: n.ID, Field: "templateNodeIds",
						Message: fmt.Sprintf("template %q does not exist", tid), Related: []string{tid}})
				case tn.IsCopy() || scheme.Strip(tid) != tid:
					add(Issue{Code: CodeTemplateSuffixed, Kind: model.KindNode, ID: n.ID, Field: "templateNodeIds",
						Message: fmt.Sprintf("template %q is a copy, expected canonical %q", tid, tn.Canonical(scheme.Strip(tid))), Related: []string{tid}})
				}
			}
		}
		if doubleSuffixed(scheme, n.ID, n.Lineage) {
			add(Issue{Code: CodeDoubleSuffix, Kind: model.KindNode, ID: n.ID, Message: "id carries more than one copy suffix"})
		}
	}

	// capacities
	type payload struct {
		field string
		raw   []byte
	}
	checkCapacity := func(kind model.Kind, id, nodeID string, lin model.Lineage, payloads []payload) {
		if t.Nodes[nodeID] == nil {
			add(Issue{Code: CodeCapacityOwnerMissing, Kind: kind, ID: id, Field: "nodeId",
				Message: fmt.Sprintf("owner node %q does not exist", nodeID), Related: []string{nodeID}})
		}
		if doubleSuffixed(scheme, id, lin) {
			add(Issue{Code: CodeDoubleSuffix, Kind: kind, ID: id, Message: "id carries more than one copy suffix"})
		}
		for _, p := range payloads {
			refs, err := ref.ExtractJSON(p.raw)
			if err != nil {
				add(Issue{Code: CodeReferenceUnresolved, Kind: kind, ID: id, Field: p.field, Message: err.Error()})
				continue
			}
			for _, r := range ref.Unique(refs) {
				if r.Bare() || t.Exists(r.Entity(), r.TargetID) {
					continue
				}
				add(Issue{Code: CodeReferenceUnresolved, Kind: kind, ID: id, Field: p.field,
					Message: fmt.Sprintf("%s does not resolve", r), Related: []string{r.TargetID}})
			}
		}
	}
	for _, id := range model.SortedIDs(t.Formulas) {
		f := t.Formulas[id]
		checkCapacity(model.KindFormula, f.ID, f.NodeID, f.Lineage, []payload{{"tokens", f.Tokens}})
	}
	for _, id := range model.SortedIDs(t.Conditions) {
		c := t.Conditions[id]
		checkCapacity(model.KindCondition, c.ID, c.NodeID, c.Lineage, []payload{{"conditionSet", c.ConditionSet}})
	}
	for _, id := range model.SortedIDs(t.Tables) {
		tb := t.Tables[id]
		checkCapacity(model.KindTable, tb.ID, tb.NodeID, tb.Lineage, []payload{{"columns", tb.Columns}, {"rows", tb.Rows}, {"meta", tb.Meta}})
	}
	return issues
}

func doubleSuffixed(s ident.Scheme, id string, lin model.Lineage) bool {
	if lin.CanonicalID != "" && len(id) > len(lin.CanonicalID) && id[:len(lin.CanonicalID)] == lin.CanonicalID {
		rest := id[len(lin.CanonicalID):]
		n := 0
		for _, c := range rest {
			if c == '-' {
				n++
			}
		}
		return n > 1
	}
	return s.DoubleSuffixed(id)
}

// Scope оставляет нарушения, затрагивающие хотя бы один id из ids.
func Scope(issues []Issue, ids map[string]bool) []Issue {
	var out []Issue
	for _, i := range issues {
		if ids[i.ID] {
			out = append(out, i)
			continue
		}
		for _, r := range i.Related {
			if ids[r] {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// Codes: сводка по кодам для отчётов.
func Codes(issues []Issue) map[string]int {
	out := map[string]int{}
	for _, i := range issues {
		out[i.Code]++
	}
	return out
}

// SortByCode: стабильный порядок для вывода.
func SortByCode(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Code < issues[j].Code })
}
