package integrity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treeleaf/internal/model"
)

func healthy() *model.Tree {
	t := model.NewTree("t")
	t.PutNode(&model.Node{ID: "root", TreeID: "t", Type: model.NodeBranch})
	t.PutNode(&model.Node{ID: "field", TreeID: "t", ParentID: "root", Type: model.NodeField, LinkedVariableIDs: []string{"v"}})
	t.PutNode(&model.Node{ID: "display-v", TreeID: "t", ParentID: "root", Type: model.NodeDisplay, OwnerVariableID: "v"})
	t.PutNode(&model.Node{ID: "rep", TreeID: "t", ParentID: "root", Type: model.NodeRepeater, TemplateNodeIDs: []string{"field"}})
	t.PutFormula(&model.Formula{ID: "f", TreeID: "t", NodeID: "field", Tokens: json.RawMessage(`["@value.root"]`)})
	t.PutVariable(&model.Variable{ID: "v", TreeID: "t", NodeID: "field", SourceRef: "node-formula:f", DisplayNodeID: "display-v"})
	return t
}

func TestCheckHealthyTree(t *testing.T) {
	assert.Empty(t, Check(healthy()))
}

func TestCheckFindsBrokenLinks(t *testing.T) {
	tree := healthy()
	tree.PutVariable(&model.Variable{ID: "orphan", TreeID: "t", NodeID: "gone"})
	tree.PutNode(&model.Node{ID: "display-zzz", TreeID: "t", ParentID: "root", Type: model.NodeDisplay})
	tree.PutNode(&model.Node{ID: "display-extra", TreeID: "t", ParentID: "root", Type: model.NodeDisplay, OwnerVariableID: "v"})
	tree.PutFormula(&model.Formula{ID: "f2", TreeID: "t", NodeID: "nobody", Tokens: json.RawMessage(`["@value.ghost","node_bare_is_ignored"]`)})
	tree.Nodes["field"].LinkedVariableIDs = append(tree.Nodes["field"].LinkedVariableIDs, "missing-var")

	codes := Codes(Check(tree))
	assert.Equal(t, 1, codes[CodeVariableOwnerMissing])
	assert.Equal(t, 1, codes[CodeLinkedVariableMissing])
	assert.Equal(t, 1, codes[CodeDisplayOwnerMissing])
	assert.Equal(t, 1, codes[CodeDisplayIDMismatch])
	assert.Equal(t, 1, codes[CodeDisplayDuplicate])
	assert.Equal(t, 1, codes[CodeCapacityOwnerMissing])
	assert.Equal(t, 1, codes[CodeReferenceUnresolved])
	// у orphan нет отображения
	assert.Equal(t, 1, codes[CodeDisplayMissing])
}

func TestCheckTemplates(t *testing.T) {
	tree := healthy()
	tree.PutNode(&model.Node{ID: "field-1", TreeID: "t", ParentID: "root", Type: model.NodeField,
		Lineage: model.Lineage{CanonicalID: "field", CopySuffix: 1, CopiedFromID: "field"}})
	tree.Nodes["rep"].TemplateNodeIDs = []string{"field-1", "nope"}

	issues := Check(tree)
	codes := Codes(issues)
	assert.Equal(t, 1, codes[CodeTemplateSuffixed])
	assert.Equal(t, 1, codes[CodeTemplateMissing])
}

func TestCheckDoubleSuffix(t *testing.T) {
	tree := healthy()
	tree.PutNode(&model.Node{ID: "field-1-1", TreeID: "t", ParentID: "root", Type: model.NodeField,
		Lineage: model.Lineage{CanonicalID: "field", CopySuffix: 1}})
	tree.PutNode(&model.Node{ID: "field-2", TreeID: "t", ParentID: "root", Type: model.NodeField,
		Lineage: model.Lineage{CanonicalID: "field", CopySuffix: 2}})

	issues := Check(tree)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeDoubleSuffix, issues[0].Code)
	assert.Equal(t, "field-1-1", issues[0].ID)
}

func TestScope(t *testing.T) {
	issues := []Issue{
		{Code: "a", ID: "x"},
		{Code: "b", ID: "y", Related: []string{"z"}},
		{Code: "c", ID: "w"},
	}
	got := Scope(issues, map[string]bool{"x": true, "z": true})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Code)
	assert.Equal(t, "b", got[1].Code)
	assert.Empty(t, Scope(issues, nil))
}

func TestSortByCode(t *testing.T) {
	issues := []Issue{{Code: "z", ID: "1"}, {Code: "a", ID: "2"}, {Code: "z", ID: "0"}}
	SortByCode(issues)
	assert.Equal(t, []string{"2", "1", "0"}, []string{issues[0].ID, issues[1].ID, issues[2].ID})
}
