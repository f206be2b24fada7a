package copier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treeleaf/internal/integrity"
	"treeleaf/internal/model"
	"treeleaf/internal/store"
)

const treeID = "tree-1"

var ctx = context.Background()

func node(id, parent string, typ model.NodeType) *model.Node {
	return &model.Node{ID: id, TreeID: treeID, ParentID: parent, Type: typ, Label: id}
}

// baseTree: root / sec / line (формула, переменная) и отображение переменной рядом.
func baseTree() *model.Tree {
	t := model.NewTree(treeID)
	t.PutNode(node("root", "", model.NodeBranch))
	t.PutNode(node("sec", "root", model.NodeSection))
	t.PutNode(node("ext", "root", model.NodeField))

	line := node("line", "sec", model.NodeField)
	line.Label = "Line"
	line.HasFormula = true
	line.LinkedFormulaIDs = []string{"f-line"}
	line.LinkedVariableIDs = []string{"v-line"}
	val := "12"
	line.CalculatedValue = &val
	line.Metadata = json.RawMessage(`{"hint":"@value.line"}`)
	t.PutNode(line)

	disp := node("display-v-line", "sec", model.NodeDisplay)
	disp.OwnerVariableID = "v-line"
	t.PutNode(disp)

	t.PutFormula(&model.Formula{ID: "f-line", TreeID: treeID, NodeID: "line", Name: "Line formula",
		Tokens: json.RawMessage(`["@value.ext", "+",  "@value.line"]`)})
	t.PutVariable(&model.Variable{ID: "v-line", TreeID: treeID, NodeID: "line", ExposedKey: "line", DisplayName: "Line",
		SourceType: "formula", SourceRef: "node-formula:f-line", DisplayNodeID: "display-v-line"})
	return t
}

func seed(t *testing.T, tree *model.Tree) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return store.InsertTree(ctx, tx, tree) }))
	return st
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

func engine() *Engine { return New(zerolog.Nop()) }

func TestCopyRewritesSelfReference(t *testing.T) {
	const id = "6f1c2d3e-0a1b-4c2d-8e3f-000000000abc"
	const fid = "9d8e7f6a-1b2c-4d3e-8f4a-00000000f001"
	tree := model.NewTree(treeID)
	tree.PutNode(node("root", "", model.NodeBranch))
	n := node(id, "root", model.NodeField)
	n.HasFormula = true
	n.LinkedFormulaIDs = []string{fid}
	tree.PutNode(n)
	tree.PutFormula(&model.Formula{ID: fid, TreeID: treeID, NodeID: id, Tokens: json.RawMessage(`["@value.` + id + `","*","2"]`)})
	st := seed(t, tree)

	res, err := engine().Copy(ctx, st, Request{RootID: id, Suffix: 1})
	require.NoError(t, err)
	assert.Equal(t, Pair{Old: id, New: id + "-1"}, res.Root)

	got := load(t, st)
	f := got.Formulas[fid+"-1"]
	require.NotNil(t, f)
	assert.Equal(t, id+"-1", f.NodeID)
	assert.Equal(t, `["@value.`+id+`-1","*","2"]`, string(f.Tokens))
	assert.Equal(t, []string{fid + "-1"}, got.Nodes[id+"-1"].LinkedFormulaIDs)
	// оригинал не тронут
	assert.Equal(t, `["@value.`+id+`","*","2"]`, string(got.Formulas[fid].Tokens))
}

func TestCopyKeepsExternalReferencesByteIdentical(t *testing.T) {
	st := seed(t, baseTree())

	_, err := engine().Copy(ctx, st, Request{RootID: "line", Suffix: 1})
	require.NoError(t, err)

	got := load(t, st)
	assert.Equal(t, `["@value.ext", "+",  "@value.line-1"]`, string(got.Formulas["f-line-1"].Tokens))
	assert.Equal(t, `["@value.ext", "+",  "@value.line"]`, string(got.Formulas["f-line"].Tokens))
}

func TestCopyVariableAndDisplay(t *testing.T) {
	st := seed(t, baseTree())

	res, err := engine().Copy(ctx, st, Request{RootID: "line", Suffix: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"display-v-line-1"}, res.DisplayNodeIDs)

	got := load(t, st)
	v := got.Variables["v-line-1"]
	require.NotNil(t, v)
	assert.Equal(t, "line-1", v.NodeID)
	assert.Equal(t, "line-1", v.ExposedKey)
	assert.Equal(t, "Line-1", v.DisplayName)
	assert.Equal(t, "display-v-line-1", v.DisplayNodeID)
	assert.Equal(t, "node-formula:f-line-1", v.SourceRef)
	assert.Equal(t, "v-line", v.CanonicalID)

	d := got.Nodes["display-v-line-1"]
	require.NotNil(t, d)
	assert.Equal(t, got.Nodes["line-1"].ParentID, d.ParentID)
	assert.Equal(t, "sec", d.ParentID)
	assert.Equal(t, "v-line-1", d.OwnerVariableID)
	assert.Len(t, got.DisplaysOf("v-line-1"), 1)
	assert.Len(t, got.DisplaysOf("v-line"), 1)

	line := got.Nodes["line-1"]
	assert.Equal(t, "Line-1", line.Label)
	assert.Equal(t, []string{"v-line-1"}, line.LinkedVariableIDs)
	assert.Nil(t, line.CalculatedValue)
}

func TestCopySynthesizesMissingDisplay(t *testing.T) {
	tree := baseTree()
	tree.PutVariable(&model.Variable{ID: "v-extra", TreeID: treeID, NodeID: "line", ExposedKey: "extra", DisplayName: "Extra"})
	st := seed(t, tree)

	var plan *Plan
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		var err error
		plan, err = engine().Plan(ctx, tx, Request{RootID: "line", Suffix: 1})
		return err
	}))
	var synthetic []string
	for _, e := range plan.Entities {
		if e.Synthetic {
			synthetic = append(synthetic, e.NewID)
		}
	}
	assert.Equal(t, []string{"display-v-extra-1"}, synthetic)

	_, err := engine().Copy(ctx, st, Request{RootID: "line", Suffix: 1})
	require.NoError(t, err)
	got := load(t, st)
	d := got.Nodes["display-v-extra-1"]
	require.NotNil(t, d)
	assert.Equal(t, model.NodeDisplay, d.Type)
	assert.Equal(t, "sec", d.ParentID)
	assert.Equal(t, "Extra-1", d.Label)
	assert.Equal(t, "display-v-extra", d.CanonicalID)
}

func TestCopySkippedDisplaysAreLoggedByOwner(t *testing.T) {
	tree := baseTree()
	second := node("display-line-alt", "sec", model.NodeDisplay)
	second.OwnerVariableID = "v-line"
	tree.PutNode(second)
	tree.PutVariable(&model.Variable{ID: "v-ext", TreeID: treeID, NodeID: "ext", ExposedKey: "ext", DisplayName: "Ext",
		DisplayNodeID: "display-v-ext"})
	extDisp := node("display-v-ext", "sec", model.NodeDisplay)
	extDisp.OwnerVariableID = "v-ext"
	tree.PutNode(extDisp)
	st := seed(t, tree)

	var buf bytes.Buffer
	res, err := New(zerolog.New(&buf).Level(zerolog.DebugLevel)).Copy(ctx, st, Request{RootID: "sec", Suffix: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"display-v-line-1"}, res.DisplayNodeIDs)

	got := load(t, st)
	assert.Nil(t, got.Nodes["display-line-alt-1"])
	assert.Nil(t, got.Nodes["display-v-ext-1"])

	lines := map[string]string{}
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &entry))
		if d, ok := entry["display"].(string); ok {
			lines[d] = entry["message"].(string)
		}
	}
	assert.Equal(t, "secondary display of a copied variable is not duplicated", lines["display-line-alt"])
	assert.Equal(t, "display of a variable outside the copy is not duplicated", lines["display-v-ext"])
}

func TestCopyCounts(t *testing.T) {
	tree := baseTree()
	for _, n := range []*model.Node{node("grp", "sec", model.NodeSection), node("a", "grp", model.NodeField), node("b", "grp", model.NodeField)} {
		tree.PutNode(n)
	}
	tree.PutFormula(&model.Formula{ID: "fa", TreeID: treeID, NodeID: "a", Tokens: json.RawMessage(`["@value.b"]`)})
	tree.PutCondition(&model.Condition{ID: "cb", TreeID: treeID, NodeID: "b", ConditionSet: json.RawMessage(`{"when":"@value.a","then":"condition:cb"}`)})
	tree.PutTable(&model.Table{ID: "tg", TreeID: treeID, NodeID: "grp", Columns: json.RawMessage(`["x"]`), Rows: json.RawMessage(`[["@value.a","plain text"]]`)})
	st := seed(t, tree)

	var planned Counts
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		p, err := engine().Plan(ctx, tx, Request{RootID: "grp"})
		if err == nil {
			planned = p.Counts()
		}
		return err
	}))

	res, err := engine().Copy(ctx, st, Request{RootID: "grp"})
	require.NoError(t, err)
	want := Counts{Nodes: 3, Formulas: 1, Conditions: 1, Tables: 1}
	assert.Empty(t, cmp.Diff(want, res.Created))
	assert.Empty(t, cmp.Diff(planned, res.Created))
	assert.Equal(t, 3, res.Created.Capacities())

	got := load(t, st)
	assert.Equal(t, `{"when":"@value.a-1","then":"condition:cb-1"}`, string(got.Conditions["cb-1"].ConditionSet))
	assert.Equal(t, `[["@value.a-1","plain text"]]`, string(got.Tables["tg-1"].Rows))
	assert.Equal(t, "grp-1", got.Tables["tg-1"].NodeID)
	assert.Equal(t, "grp-1", got.Nodes["a-1"].ParentID)
	assert.Equal(t, "sec", got.Nodes["grp-1"].ParentID)
}

var doubleSuffix = regexp.MustCompile(`-\d+-\d+$`)

func TestCopyOfCopyNeverDoubleSuffixes(t *testing.T) {
	st := seed(t, baseTree())

	first, err := engine().Copy(ctx, st, Request{RootID: "line"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Suffix)
	assert.Empty(t, first.Warnings)

	second, err := engine().Copy(ctx, st, Request{RootID: "line-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Suffix)
	assert.Equal(t, Pair{Old: "line-1", New: "line-2"}, second.Root)
	require.NotEmpty(t, second.Warnings)
	assert.Equal(t, "line", second.Warnings[0].Canonical)

	got := load(t, st)
	for _, id := range model.SortedIDs(got.Nodes) {
		assert.False(t, doubleSuffix.MatchString(id), id)
	}
	for _, id := range model.SortedIDs(got.Formulas) {
		assert.False(t, doubleSuffix.MatchString(id), id)
	}
	for _, id := range model.SortedIDs(got.Variables) {
		assert.False(t, doubleSuffix.MatchString(id), id)
	}
	assert.Equal(t, "Line-2", got.Nodes["line-2"].Label)
	assert.Equal(t, "line-1", got.Nodes["line-2"].CopiedFromID)
	assert.Equal(t, "Line-2", got.Variables["v-line-2"].DisplayName)
	assert.Contains(t, got.Nodes, "display-v-line-2")
	assert.Empty(t, integrity.Check(got))
}

func TestCopyRepeaterTemplatesStayCanonical(t *testing.T) {
	tree := baseTree()
	rep := node("rep", "sec", model.NodeRepeater)
	rep.TemplateNodeIDs = []string{"tpl"}
	tree.PutNode(rep)
	tree.PutNode(node("tpl", "rep", model.NodeSection))
	tree.PutNode(node("tplfield", "tpl", model.NodeField))
	st := seed(t, tree)

	for want := 1; want <= 2; want++ {
		res, err := engine().Copy(ctx, st, Request{RootID: "tpl", ScopeID: "rep"})
		require.NoError(t, err)
		assert.Equal(t, want, res.Suffix)
	}

	got := load(t, st)
	assert.Equal(t, []string{"tpl"}, got.Nodes["rep"].TemplateNodeIDs)
	assert.Equal(t, "rep", got.Nodes["tpl-2"].ParentID)
	assert.Equal(t, "tpl-2", got.Nodes["tplfield-2"].ParentID)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(got.Nodes["tpl-1"].Metadata, &meta))
	assert.Equal(t, "tpl", meta["copiedFromNodeId"])
	assert.Equal(t, "rep", meta["repeatScopeId"])
	assert.EqualValues(t, 1, meta["copySuffix"])

	// копия самого повторителя: только шаблоны, экземпляры не дублируются
	res, err := engine().Copy(ctx, st, Request{RootID: "rep"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Suffix)
	assert.Equal(t, 3, res.Created.Nodes)
	got = load(t, st)
	assert.Equal(t, []string{"tpl"}, got.Nodes["rep-3"].TemplateNodeIDs)
	assert.Equal(t, "rep-3", got.Nodes["tpl-3"].ParentID)
	assert.Equal(t, "tpl-3", got.Nodes["tplfield-3"].ParentID)
}

func TestCopyMultiRootRewritesCrossReferences(t *testing.T) {
	tree := baseTree()
	tree.PutNode(node("a", "sec", model.NodeField))
	tree.PutNode(node("b", "sec", model.NodeField))
	tree.PutFormula(&model.Formula{ID: "fa", TreeID: treeID, NodeID: "a", Tokens: json.RawMessage(`["@value.b"]`)})
	st := seed(t, tree)

	res, err := engine().Copy(ctx, st, Request{RootID: "a", Roots: []string{"b"}, Suffix: 3})
	require.NoError(t, err)
	assert.Equal(t, []Pair{{Old: "a", New: "a-3"}, {Old: "b", New: "b-3"}}, res.Roots)

	got := load(t, st)
	assert.Equal(t, `["@value.b-3"]`, string(got.Formulas["fa-3"].Tokens))
}

func TestCopySuffixTaken(t *testing.T) {
	st := seed(t, baseTree())

	_, err := engine().Copy(ctx, st, Request{RootID: "line", Suffix: 1})
	require.NoError(t, err)

	_, err = engine().Copy(ctx, st, Request{RootID: "line", Suffix: 1})
	var taken *SuffixTakenError
	require.ErrorAs(t, err, &taken)
	assert.Equal(t, 1, taken.Suffix)

	res, err := engine().Copy(ctx, st, Request{RootID: "line"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Suffix)
}

func TestCopyUnresolvableReferenceWritesNothing(t *testing.T) {
	tree := baseTree()
	tree.PutFormula(&model.Formula{ID: "f-ghost", TreeID: treeID, NodeID: "line", Tokens: json.RawMessage(`["@value.ghost","+","node_not_a_ref_target"]`)})
	st := seed(t, tree)

	_, err := engine().Copy(ctx, st, Request{RootID: "line"})
	var unresolved *UnresolvableReferenceError
	require.ErrorAs(t, err, &unresolved)
	require.Len(t, unresolved.References, 1)
	assert.Equal(t, "f-ghost", unresolved.References[0].ID)
	assert.Equal(t, "ghost", unresolved.References[0].Reference.TargetID)

	got := load(t, st)
	assert.NotContains(t, got.Nodes, "line-1")
}

func TestCopyMissingTargetParent(t *testing.T) {
	st := seed(t, baseTree())
	_, err := engine().Copy(ctx, st, Request{RootID: "line", TargetParentID: "nowhere"})
	var unresolved *UnresolvableReferenceError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "parentId", unresolved.References[0].Field)
}

func TestCopyTargetParent(t *testing.T) {
	st := seed(t, baseTree())
	_, err := engine().Copy(ctx, st, Request{RootID: "line", TargetParentID: "root"})
	require.NoError(t, err)
	got := load(t, st)
	assert.Equal(t, "root", got.Nodes["line-1"].ParentID)
	// отображение висело рядом с владельцем и переезжает вместе с ним
	assert.Equal(t, "root", got.Nodes["display-v-line-1"].ParentID)
}

func TestCopyRootNotFound(t *testing.T) {
	st := seed(t, baseTree())
	_, err := engine().Copy(ctx, st, Request{RootID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// failingStore: Memory, у которой вставка переменных падает.
type failingStore struct{ *store.Memory }

type failingTx struct{ store.Tx }

var errDiskFull = errors.New("disk full")

func (f failingTx) InsertVariable(context.Context, *model.Variable) error { return errDiskFull }

func (s failingStore) Update(ctx context.Context, fn func(store.Tx) error) error {
	return s.Memory.Update(ctx, func(tx store.Tx) error { return fn(failingTx{tx}) })
}

func TestCopyRollsBackOnStoreFailure(t *testing.T) {
	mem := seed(t, baseTree())
	before := load(t, mem)

	_, err := engine().Copy(ctx, failingStore{mem}, Request{RootID: "line"})
	var abort *TransactionAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, model.KindVariable, abort.Entity)
	assert.ErrorIs(t, err, errDiskFull)

	after := load(t, mem)
	assert.Equal(t, model.SortedIDs(before.Nodes), model.SortedIDs(after.Nodes))
	assert.Equal(t, model.SortedIDs(before.Formulas), model.SortedIDs(after.Formulas))
}

func TestCopyRecomputesTotals(t *testing.T) {
	tree := baseTree()
	total := node("line-sum-total", "sec", model.NodeTotal)
	total.AggregateOf = "line"
	sum := "12"
	total.CalculatedValue = &sum
	tree.PutNode(total)
	st := seed(t, tree)

	res, err := engine().Copy(ctx, st, Request{RootID: "line"})
	require.NoError(t, err)
	assert.Equal(t, []string{"line-sum-total"}, res.Totals)

	got := load(t, st)
	assert.NotContains(t, got.Nodes, "line-sum-total-1")
	f := got.Formulas["line-sum-total-formula"]
	require.NotNil(t, f)
	assert.Equal(t, `["@value.line","+","@value.line-1"]`, string(f.Tokens))
	tn := got.Nodes["line-sum-total"]
	// 12 у оригинала + 0 у свежей копии (значение формулы сброшено)
	require.NotNil(t, tn.CalculatedValue)
	assert.Equal(t, "12", *tn.CalculatedValue)
	assert.True(t, tn.HasFormula)
	assert.Equal(t, []string{"line-sum-total-formula"}, tn.LinkedFormulaIDs)

	_, err = engine().Copy(ctx, st, Request{RootID: "line"})
	require.NoError(t, err)
	got = load(t, st)
	var tokens []string
	require.NoError(t, json.Unmarshal(got.Formulas["line-sum-total-formula"].Tokens, &tokens))
	assert.Empty(t, cmp.Diff([]string{"@value.line", "+", "@value.line-1", "+", "@value.line-2"}, tokens))
	assert.Equal(t, []string{"line-sum-total-formula"}, got.Nodes["line-sum-total"].LinkedFormulaIDs)
}

func TestSumValues(t *testing.T) {
	val := func(s string) *model.Node { return &model.Node{CalculatedValue: &s} }
	assert.Equal(t, "0", sumValues(nil))
	assert.Equal(t, "14.5", sumValues([]*model.Node{val("12"), val(" 2.5"), val("n/a"), {}}))
}

func sharedTree() *model.Tree {
	tree := baseTree()
	shared := node("shared-ref-a", "root", model.NodeField)
	shared.IsSharedReference = true
	tree.PutNode(shared)
	line := tree.Nodes["line"]
	line.SharedReferenceID = "shared-ref-a"
	tree.PutFormula(&model.Formula{ID: "f-shared", TreeID: treeID, NodeID: "line", Tokens: json.RawMessage(`["@value.shared-ref-a"]`)})
	return tree
}

func TestCopyPoolsSharedReferences(t *testing.T) {
	st := seed(t, sharedTree())

	_, err := engine().Copy(ctx, st, Request{RootID: "line"})
	require.NoError(t, err)

	got := load(t, st)
	assert.NotContains(t, got.Nodes, "shared-ref-a-1")
	assert.Equal(t, "shared-ref-a", got.Nodes["line-1"].SharedReferenceID)
	assert.Equal(t, `["@value.shared-ref-a"]`, string(got.Formulas["f-shared-1"].Tokens))
}

func TestCopyForksSharedReferences(t *testing.T) {
	st := seed(t, sharedTree())

	res, err := engine().Copy(ctx, st, Request{RootID: "line", ForkSharedRefs: true})
	require.NoError(t, err)
	assert.Equal(t, "shared-ref-a-1", res.Mapping[model.KindNode]["shared-ref-a"])

	got := load(t, st)
	require.Contains(t, got.Nodes, "shared-ref-a-1")
	assert.Equal(t, "root", got.Nodes["shared-ref-a-1"].ParentID)
	assert.Equal(t, "shared-ref-a-1", got.Nodes["line-1"].SharedReferenceID)
	assert.Equal(t, `["@value.shared-ref-a-1"]`, string(got.Formulas["f-shared-1"].Tokens))
}

func TestSuffixLabel(t *testing.T) {
	assert.Equal(t, "Line-1", suffixLabel("Line", 0, 1))
	assert.Equal(t, "Line-3", suffixLabel("Line-2", 2, 3))
	assert.Equal(t, "Step-2-1", suffixLabel("Step-2", 0, 1))
	assert.Equal(t, "", suffixLabel("", 0, 1))
}

func TestStampMetadata(t *testing.T) {
	assert.JSONEq(t, `{"a":1,"copiedFromNodeId":"n","copySuffix":2}`, string(stampMetadata(json.RawMessage(`{"a":1}`), "n", 2, "")))
	assert.JSONEq(t, `{"copiedFromNodeId":"n","copySuffix":1,"repeatScopeId":"r"}`, string(stampMetadata(nil, "n", 1, "r")))
	assert.Equal(t, `[1,2]`, string(stampMetadata(json.RawMessage(`[1,2]`), "n", 1, "")))
}
