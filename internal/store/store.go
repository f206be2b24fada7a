// Package store: единица работы над деревьями TreeBranchLeaf.
package store

import (
	"context"
	"errors"

	"treeleaf/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Tx: операции внутри одной транзакции. Сущности возвращаются копиями:
// их можно менять и писать обратно через Update*.
type Tx interface {
	LoadTree(ctx context.Context, treeID string) (*model.Tree, error)
	GetNode(ctx context.Context, id string) (*model.Node, error)
	// FindNodes: все узлы дерева с данным каноническим id (оригинал и копии).
	FindNodes(ctx context.Context, treeID, canonicalID string) ([]*model.Node, error)

	InsertNode(ctx context.Context, n *model.Node) error
	UpdateNode(ctx context.Context, n *model.Node) error
	InsertFormula(ctx context.Context, f *model.Formula) error
	UpdateFormula(ctx context.Context, f *model.Formula) error
	InsertCondition(ctx context.Context, c *model.Condition) error
	UpdateCondition(ctx context.Context, c *model.Condition) error
	InsertTable(ctx context.Context, t *model.Table) error
	UpdateTable(ctx context.Context, t *model.Table) error
	InsertVariable(ctx context.Context, v *model.Variable) error
	UpdateVariable(ctx context.Context, v *model.Variable) error

	InsertSubmission(ctx context.Context, s *model.Submission) error
	ListSubmissions(ctx context.Context, treeID string) ([]*model.Submission, error)
	InsertSubmissionData(ctx context.Context, d *model.SubmissionData) error
	ListSubmissionData(ctx context.Context, submissionID string) ([]*model.SubmissionData, error)
}

// Store выдаёт транзакции. Update работает по принципу всё или ничего: при ошибке fn
// ни одна запись не остаётся.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
}

// InsertTree пишет все сущности снимка: узлы родитель-первым, затем capacities и переменные.
func InsertTree(ctx context.Context, tx Tx, t *model.Tree) error {
	for _, n := range ParentFirst(t) {
		if err := tx.InsertNode(ctx, n); err != nil {
			return err
		}
	}
	for _, id := range model.SortedIDs(t.Formulas) {
		if err := tx.InsertFormula(ctx, t.Formulas[id]); err != nil {
			return err
		}
	}
	for _, id := range model.SortedIDs(t.Conditions) {
		if err := tx.InsertCondition(ctx, t.Conditions[id]); err != nil {
			return err
		}
	}
	for _, id := range model.SortedIDs(t.Tables) {
		if err := tx.InsertTable(ctx, t.Tables[id]); err != nil {
			return err
		}
	}
	for _, id := range model.SortedIDs(t.Variables) {
		if err := tx.InsertVariable(ctx, t.Variables[id]); err != nil {
			return err
		}
	}
	return nil
}

// ParentFirst: узлы снимка в порядке, где родитель всегда раньше потомка.
// Узлы с родителем вне снимка считаются корнями.
func ParentFirst(t *model.Tree) []*model.Node {
	var roots []*model.Node
	for _, id := range model.SortedIDs(t.Nodes) {
		n := t.Nodes[id]
		if n.ParentID == "" || t.Nodes[n.ParentID] == nil {
			roots = append(roots, n)
		}
	}
	out := make([]*model.Node, 0, len(t.Nodes))
	seen := map[string]bool{}
	for _, r := range roots {
		for _, n := range t.Subtree(r.ID) {
			if !seen[n.ID] {
				seen[n.ID] = true
				out = append(out, n)
			}
		}
	}
	// циклы по parentId: дописываем как есть
	for _, id := range model.SortedIDs(t.Nodes) {
		if !seen[id] {
			out = append(out, t.Nodes[id])
		}
	}
	return out
}
