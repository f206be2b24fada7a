package repeat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treeleaf/internal/copier"
	"treeleaf/internal/integrity"
	"treeleaf/internal/model"
	"treeleaf/internal/store"
	"treeleaf/internal/submission"
)

const treeID = "tree-r"

var ctx = context.Background()

// fixture: повторитель с двумя шаблонами; формула цены ссылается на количество
// из соседнего шаблона.
func fixture() *model.Tree {
	t := model.NewTree(treeID)
	put := func(n *model.Node) { n.TreeID = treeID; t.PutNode(n) }
	put(&model.Node{ID: "root", Type: model.NodeBranch, Label: "Root"})
	put(&model.Node{ID: "rep", ParentID: "root", Type: model.NodeRepeater, Label: "Lines", TemplateNodeIDs: []string{"tplA", "tplB"}})
	put(&model.Node{ID: "tplA", ParentID: "rep", Type: model.NodeSection, Label: "A"})
	put(&model.Node{ID: "tplB", ParentID: "rep", Type: model.NodeSection, Label: "B", Order: 1})
	put(&model.Node{ID: "qty", ParentID: "tplA", Type: model.NodeField, Label: "Qty", HasFormula: true,
		LinkedFormulaIDs: []string{"f-qty"}, LinkedVariableIDs: []string{"v-qty"}})
	put(&model.Node{ID: "display-v-qty", ParentID: "tplA", Type: model.NodeDisplay, Label: "Qty", OwnerVariableID: "v-qty", Order: 1})
	put(&model.Node{ID: "price", ParentID: "tplB", Type: model.NodeField, Label: "Price", HasFormula: true, LinkedFormulaIDs: []string{"f-price"}})
	t.PutFormula(&model.Formula{ID: "f-qty", TreeID: treeID, NodeID: "qty", Name: "Qty", Tokens: json.RawMessage(`["@value.qty","*","1"]`)})
	t.PutFormula(&model.Formula{ID: "f-price", TreeID: treeID, NodeID: "price", Name: "Price", Tokens: json.RawMessage(`["@value.qty","*","10"]`)})
	t.PutVariable(&model.Variable{ID: "v-qty", TreeID: treeID, NodeID: "qty", ExposedKey: "qty", DisplayName: "Qty", Unit: "pcs",
		SourceType: "formula", SourceRef: "node-formula:f-qty", DisplayNodeID: "display-v-qty"})
	return t
}

func newService(t *testing.T, tree *model.Tree) (*Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return store.InsertTree(ctx, tx, tree) }))
	log := zerolog.Nop()
	return NewService(st, copier.New(log), submission.New(log), log), st
}

func load(t *testing.T, st store.Store) *model.Tree {
	t.Helper()
	var tree *model.Tree
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		var err error
		tree, err = tx.LoadTree(ctx, treeID)
		return err
	}))
	return tree
}

func TestPlanInstancesWritesNothing(t *testing.T) {
	svc, st := newService(t, fixture())

	p, err := svc.PlanInstances(ctx, "rep", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Suffix)
	assert.Equal(t, []TemplatePlan{
		{TemplateID: "tplA", NewID: "tplA-1", ParentID: "rep"},
		{TemplateID: "tplB", NewID: "tplB-1", ParentID: "rep"},
	}, p.Templates)
	assert.Equal(t, 5, p.Counts.Nodes)
	assert.Equal(t, 2, p.Counts.Formulas)

	assert.NotContains(t, load(t, st).Nodes, "tplA-1")
}

func TestExecuteInstances(t *testing.T) {
	svc, st := newService(t, fixture())
	var sub *model.Submission
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		var err error
		sub, err = svc.submissions.Create(ctx, tx, treeID, "org")
		return err
	}))

	res, err := svc.ExecuteInstances(ctx, "rep", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Suffix)
	assert.Equal(t, 1, res.SubmissionRows)
	assert.Equal(t, "tplA-1", res.Mapping[model.KindNode]["tplA"])

	got := load(t, st)
	assert.Equal(t, []string{"tplA", "tplB"}, got.Nodes["rep"].TemplateNodeIDs)
	assert.Equal(t, "rep", got.Nodes["tplB-1"].ParentID)
	// ссылка между шаблонами ведёт на копию из того же экземпляра
	assert.Equal(t, `["@value.qty-1","*","10"]`, string(got.Formulas["f-price-1"].Tokens))
	assert.Equal(t, "tplA-1", got.Nodes["display-v-qty-1"].ParentID)
	assert.Empty(t, integrity.Check(got))

	var rows []*model.SubmissionData
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		var err error
		rows, err = tx.ListSubmissionData(ctx, sub.ID)
		return err
	}))
	assert.Len(t, rows, 2)

	again, err := svc.ExecuteInstances(ctx, "rep", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, again.Suffix)
	assert.Equal(t, []string{"tplA", "tplB"}, load(t, st).Nodes["rep"].TemplateNodeIDs)
}

func TestExecuteInstancesExplicitSuffixTaken(t *testing.T) {
	svc, _ := newService(t, fixture())
	_, err := svc.ExecuteInstances(ctx, "rep", Options{Suffix: 4})
	require.NoError(t, err)
	_, err = svc.ExecuteInstances(ctx, "rep", Options{Suffix: 4})
	var taken *copier.SuffixTakenError
	assert.ErrorAs(t, err, &taken)
}

func TestTemplatesAreCanonicalized(t *testing.T) {
	tree := fixture()
	tree.PutNode(&model.Node{ID: "tplA-7", TreeID: treeID, ParentID: "rep", Type: model.NodeSection,
		Lineage: model.Lineage{CanonicalID: "tplA", CopySuffix: 7, CopiedFromID: "tplA"}})
	tree.Nodes["rep"].TemplateNodeIDs = []string{"tplA", "tplA-7", "ghost", "tplA"}
	svc, _ := newService(t, tree)

	p, err := svc.PlanInstances(ctx, "rep", Options{})
	require.NoError(t, err)
	require.Len(t, p.Templates, 1)
	assert.Equal(t, "tplA", p.Templates[0].TemplateID)
	assert.Len(t, p.Warnings, 2)
	// tplA-7 уже есть: следующий свободный 8
	assert.Equal(t, 8, p.Suffix)
}

func TestNotRepeater(t *testing.T) {
	svc, _ := newService(t, fixture())
	_, err := svc.PlanInstances(ctx, "qty", Options{})
	assert.ErrorIs(t, err, ErrNotRepeater)

	_, err = svc.PlanInstances(ctx, "missing", Options{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCopyLinkedVariable(t *testing.T) {
	svc, st := newService(t, fixture())

	res, err := svc.CopyLinkedVariable(ctx, "qty", copier.VariableRequest{VariableID: "v-qty"})
	require.NoError(t, err)
	assert.Equal(t, "v-qty-1", res.VariableID)
	assert.Equal(t, "f-qty-1", res.CapacityID)

	got := load(t, st)
	v := got.Variables["v-qty-1"]
	require.NotNil(t, v)
	assert.Equal(t, "qty", v.NodeID)
	assert.Equal(t, "node-formula:f-qty-1", v.SourceRef)
	assert.Equal(t, "display-v-qty-1", v.DisplayNodeID)
	assert.Equal(t, "tplA", got.Nodes["display-v-qty-1"].ParentID)
	assert.Contains(t, got.Nodes["qty"].LinkedVariableIDs, "v-qty-1")
	assert.Contains(t, got.Nodes["qty"].LinkedFormulaIDs, "f-qty-1")

	// копия копии: от непосредственного источника, без двойного суффикса
	res, err = svc.CopyLinkedVariable(ctx, "qty", copier.VariableRequest{VariableID: "v-qty-1"})
	require.NoError(t, err)
	assert.Equal(t, "v-qty-2", res.VariableID)
	got = load(t, st)
	assert.Equal(t, "qty-2", got.Variables["v-qty-2"].ExposedKey)
	assert.Equal(t, "v-qty-1", got.Variables["v-qty-2"].CopiedFromID)
	assert.Empty(t, integrity.Check(got))
}

func TestCopyLinkedVariableDuplicateNode(t *testing.T) {
	svc, st := newService(t, fixture())

	res, err := svc.CopyLinkedVariable(ctx, "qty", copier.VariableRequest{VariableID: "v-qty", Suffix: 3, DuplicateNode: true})
	require.NoError(t, err)
	assert.Equal(t, "qty-3", res.NodeID)

	got := load(t, st)
	owner := got.Nodes["qty-3"]
	require.NotNil(t, owner)
	assert.Equal(t, "tplA", owner.ParentID)
	assert.Equal(t, []string{"v-qty-3"}, owner.LinkedVariableIDs)
	assert.Equal(t, []string{"f-qty-3"}, owner.LinkedFormulaIDs)
	// самоссылка формулы переехала на новый узел
	assert.Equal(t, `["@value.qty-3","*","1"]`, string(got.Formulas["f-qty-3"].Tokens))
}

func TestCopyLinkedVariableTargetMissing(t *testing.T) {
	svc, _ := newService(t, fixture())
	_, err := svc.CopyLinkedVariable(ctx, "qty", copier.VariableRequest{VariableID: "v-qty", TargetNodeID: "ghost"})
	var unresolved *copier.UnresolvableReferenceError
	assert.ErrorAs(t, err, &unresolved)

	_, err = svc.CopyLinkedVariable(ctx, "qty", copier.VariableRequest{VariableID: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
