// Package copier: глубокое копирование поддерева узлов вместе с capacities,
// переменными и узлами отображения. Две фазы: Plan (только чтение, реестр
// old→new) и Materialize (запись и переписывание ссылок), обе внутри одной
// транзакции хранилища.
package copier

import (
	"context"

	"github.com/rs/zerolog"

	"treeleaf/internal/ident"
	"treeleaf/internal/model"
	"treeleaf/internal/store"
)

// Request: что копировать.
type Request struct {
	RootID string `json:"rootId"`
	// Roots: дополнительные корни той же партии (шаблоны одного повторителя):
	// ссылки между ними переписываются на копии.
	Roots []string `json:"roots,omitempty"`
	// Suffix 0: следующий свободный.
	Suffix         int    `json:"suffix,omitempty"`
	TargetParentID string `json:"targetParentId,omitempty"`
	ScopeID        string `json:"scopeId,omitempty"`
	ForkSharedRefs bool   `json:"forkSharedRefs,omitempty"`
	Actor          string `json:"actor,omitempty"`
}

type Pair struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type Counts struct {
	Nodes      int `json:"nodes"`
	Displays   int `json:"displays"`
	Formulas   int `json:"formulas"`
	Conditions int `json:"conditions"`
	Tables     int `json:"tables"`
	Variables  int `json:"variables"`
}

// Capacities: formulas + conditions + tables.
func (c Counts) Capacities() int { return c.Formulas + c.Conditions + c.Tables }

type Result struct {
	TreeID         string                           `json:"treeId"`
	Suffix         int                              `json:"suffix"`
	Root           Pair                             `json:"root"`
	Roots          []Pair                           `json:"roots"`
	Mapping        map[model.Kind]map[string]string `json:"mapping"`
	Created        Counts                           `json:"created"`
	DisplayNodeIDs []string                         `json:"displayNodeIds"`
	Totals         []string                         `json:"totals,omitempty"`
	Warnings       []*DuplicateSuffixError          `json:"warnings,omitempty"`
	// новые переменные: для синхронизации submissions
	Variables []*model.Variable `json:"-"`
}

type Engine struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "copier").Logger()}
}

// Copy = Plan + Materialize в одной транзакции Update.
func (e *Engine) Copy(ctx context.Context, st store.Store, req Request) (*Result, error) {
	var res *Result
	err := st.Update(ctx, func(tx store.Tx) error {
		p, err := e.Plan(ctx, tx, req)
		if err != nil {
			return err
		}
		res, err = e.Materialize(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// lineage снимка: явные колонки важнее разбора строки
type resolver struct {
	tree   *model.Tree
	scheme ident.Scheme
}

func newResolver(t *model.Tree) resolver { return resolver{tree: t, scheme: ident.NewScheme(t)} }

func (r resolver) lineage(kind model.Kind, id string) model.Lineage {
	switch kind {
	case model.KindNode:
		if n := r.tree.Nodes[id]; n != nil {
			return n.Lineage
		}
	case model.KindFormula:
		if f := r.tree.Formulas[id]; f != nil {
			return f.Lineage
		}
	case model.KindCondition:
		if c := r.tree.Conditions[id]; c != nil {
			return c.Lineage
		}
	case model.KindTable:
		if t := r.tree.Tables[id]; t != nil {
			return t.Lineage
		}
	case model.KindVariable:
		if v := r.tree.Variables[id]; v != nil {
			return v.Lineage
		}
	}
	return model.Lineage{}
}

func (r resolver) canonical(kind model.Kind, id string) string {
	if lin := r.lineage(kind, id); lin.CanonicalID != "" {
		return lin.CanonicalID
	}
	return r.scheme.Strip(id)
}

// suffixOf: номер копии узла (0 у оригинала).
func (r resolver) suffixOf(n *model.Node) int {
	if n.CopySuffix > 0 {
		return n.CopySuffix
	}
	if s, ok := r.scheme.Suffix(n.ID); ok {
		return s
	}
	return 0
}
