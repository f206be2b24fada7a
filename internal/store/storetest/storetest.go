// Package storetest: общий набор проверок для реализаций store.Store.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treeleaf/internal/model"
	"treeleaf/internal/store"
)

// Tree строит маленькое дерево: ветка, поле с формулой и переменной, отображение.
func Tree(treeID string) *model.Tree {
	t := model.NewTree(treeID)
	val := "42"
	t.PutNode(&model.Node{ID: "root", TreeID: treeID, Type: model.NodeBranch, Label: "Root"})
	t.PutNode(&model.Node{ID: "sec", TreeID: treeID, ParentID: "root", Type: model.NodeSection, Label: "Section", Order: 1})
	t.PutNode(&model.Node{
		ID: "field", TreeID: treeID, ParentID: "sec", Type: model.NodeField, Label: "Field",
		HasFormula: true, LinkedFormulaIDs: []string{"f1"}, LinkedVariableIDs: []string{"v1"},
		CalculatedValue: &val, Metadata: json.RawMessage(`{"k":"v"}`),
	})
	t.PutNode(&model.Node{ID: "display-v1", TreeID: treeID, ParentID: "sec", Type: model.NodeDisplay, Label: "Field (display)", OwnerVariableID: "v1", Order: 2})
	t.PutFormula(&model.Formula{ID: "f1", TreeID: treeID, NodeID: "field", Name: "F", Tokens: json.RawMessage(`["@value.root","+","1"]`)})
	t.PutCondition(&model.Condition{ID: "c1", TreeID: treeID, NodeID: "field", Name: "C", ConditionSet: json.RawMessage(`{"branches":[]}`)})
	t.PutTable(&model.Table{ID: "t1", TreeID: treeID, NodeID: "field", Name: "T", Columns: json.RawMessage(`["a"]`)})
	t.PutVariable(&model.Variable{ID: "v1", TreeID: treeID, NodeID: "field", ExposedKey: "field", DisplayName: "Field", Unit: "m", Precision: 2, VisibleToUser: true, SourceType: "formula", SourceRef: "node-formula:f1", DisplayNodeID: "display-v1"})
	return t
}

// Run прогоняет общий сценарий по свежему хранилищу от factory.
func Run(t *testing.T, factory func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("InsertAndLoadTree", func(t *testing.T) {
		s := factory(t)
		want := Tree("tree-1")
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return store.InsertTree(ctx, tx, want) }))

		var got *model.Tree
		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			var err error
			got, err = tx.LoadTree(ctx, "tree-1")
			return err
		}))
		assert.Len(t, got.Nodes, 4)
		field := got.Nodes["field"]
		require.NotNil(t, field)
		assert.Equal(t, []string{"f1"}, field.LinkedFormulaIDs)
		require.NotNil(t, field.CalculatedValue)
		assert.Equal(t, "42", *field.CalculatedValue)
		assert.JSONEq(t, `{"k":"v"}`, string(field.Metadata))
		assert.JSONEq(t, `["@value.root","+","1"]`, string(got.Formulas["f1"].Tokens))
		assert.Equal(t, "node-formula:f1", got.Variables["v1"].SourceRef)
		assert.Equal(t, "v1", got.Nodes["display-v1"].OwnerVariableID)
		assert.Contains(t, got.Conditions, "c1")
		assert.Contains(t, got.Tables, "t1")
	})

	t.Run("NotFoundAndDuplicate", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return store.InsertTree(ctx, tx, Tree("tree-2")) }))

		err := s.View(ctx, func(tx store.Tx) error {
			_, err := tx.GetNode(ctx, "nope")
			return err
		})
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.View(ctx, func(tx store.Tx) error {
			_, err := tx.LoadTree(ctx, "missing-tree")
			return err
		})
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.Update(ctx, func(tx store.Tx) error {
			return tx.InsertNode(ctx, &model.Node{ID: "root", TreeID: "tree-2", Type: model.NodeBranch})
		})
		assert.ErrorIs(t, err, store.ErrAlreadyExists)

		err = s.Update(ctx, func(tx store.Tx) error {
			return tx.UpdateVariable(ctx, &model.Variable{ID: "ghost", TreeID: "tree-2", NodeID: "field"})
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UpdateRollsBackOnError", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return store.InsertTree(ctx, tx, Tree("tree-3")) }))

		boom := errors.New("boom")
		err := s.Update(ctx, func(tx store.Tx) error {
			if err := tx.InsertNode(ctx, &model.Node{ID: "extra", TreeID: "tree-3", ParentID: "root", Type: model.NodeField}); err != nil {
				return err
			}
			n, err := tx.GetNode(ctx, "field")
			if err != nil {
				return err
			}
			n.Label = "changed"
			if err := tx.UpdateNode(ctx, n); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			_, err := tx.GetNode(ctx, "extra")
			assert.ErrorIs(t, err, store.ErrNotFound)
			n, err := tx.GetNode(ctx, "field")
			require.NoError(t, err)
			assert.Equal(t, "Field", n.Label)
			return nil
		}))
	})

	t.Run("FindNodesByCanonical", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			if err := store.InsertTree(ctx, tx, Tree("tree-4")); err != nil {
				return err
			}
			for _, n := range []int{2, 1} {
				c := &model.Node{ID: "field-" + string(rune('0'+n)), TreeID: "tree-4", ParentID: "sec", Type: model.NodeField,
					Lineage: model.Lineage{CanonicalID: "field", CopySuffix: n, CopiedFromID: "field"}}
				if err := tx.InsertNode(ctx, c); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.FindNodes(ctx, "tree-4", "field")
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, n := range got {
				ids[i] = n.ID
			}
			assert.Equal(t, []string{"field", "field-1", "field-2"}, ids)
			return nil
		}))
	})

	t.Run("Submissions", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return store.InsertTree(ctx, tx, Tree("tree-5")) }))
		val := "7"
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			if err := tx.InsertSubmission(ctx, &model.Submission{ID: "s1", TreeID: "tree-5", OrganizationID: "org", Status: "draft", CreatedAt: time.Unix(1700000000, 0).UTC()}); err != nil {
				return err
			}
			return tx.InsertSubmissionData(ctx, &model.SubmissionData{ID: "d1", SubmissionID: "s1", NodeID: "field", VariableID: "v1", Value: &val, ExposedKey: "field", DisplayName: "Field", Unit: "m", IsVariable: true})
		}))
		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			subs, err := tx.ListSubmissions(ctx, "tree-5")
			require.NoError(t, err)
			require.Len(t, subs, 1)
			assert.Equal(t, "org", subs[0].OrganizationID)

			data, err := tx.ListSubmissionData(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, data, 1)
			assert.True(t, data[0].IsVariable)
			require.NotNil(t, data[0].Value)
			assert.Equal(t, "7", *data[0].Value)
			return nil
		}))
	})
}
