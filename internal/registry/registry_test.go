package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treeleaf/internal/model"
	"treeleaf/internal/ref"
)

func TestRegister_IdempotentAndConflict(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(model.KindNode, "a", "a-1"))
	require.NoError(t, r.Register(model.KindNode, "a", "a-1"))
	assert.Equal(t, 1, r.Len())

	err := r.Register(model.KindNode, "a", "a-2")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "a-1", conflict.Existing)

	id, ok := r.Resolve(model.KindNode, "a")
	require.True(t, ok)
	assert.Equal(t, "a-1", id)
}

func TestNamespacesAreSeparate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(model.KindNode, "x", "x-1"))
	require.NoError(t, r.Register(model.KindFormula, "x", "x-2"))

	n, _ := r.Resolve(model.KindNode, "x")
	f, _ := r.Resolve(model.KindFormula, "x")
	assert.Equal(t, "x-1", n)
	assert.Equal(t, "x-2", f)
	assert.False(t, r.Has(model.KindTable, "x"))
	assert.Equal(t, []model.Kind{model.KindFormula, model.KindNode}, r.Kinds())
}

func TestMapperAndMapIDs(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(model.KindNode, "n", "n-1"))
	require.NoError(t, r.Register(model.KindFormula, "f", "f-1"))

	s := ref.RewriteString("@value.n + node-formula:f + @value.ext", r.Mapper())
	assert.Equal(t, "@value.n-1 + node-formula:f-1 + @value.ext", s)

	assert.Equal(t, []string{"n-1", "other"}, r.MapIDs(model.KindNode, []string{"n", "other"}))
	assert.Nil(t, r.MapIDs(model.KindNode, nil))

	assert.Equal(t, []Pair{
		{model.KindNode, "n", "n-1"},
		{model.KindFormula, "f", "f-1"},
	}, r.All())
	assert.Equal(t, []Pair{{model.KindFormula, "f", "f-1"}}, r.Pairs(model.KindFormula))
}
