package ident

import (
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const u1 = "3f2b8c1e-9a4d-4b7e-8c21-0d5e6f7a8b9c"

func TestStrip_UUIDAnchored(t *testing.T) {
	cases := map[string]string{
		u1:                    u1,
		u1 + "-1":             u1,
		u1 + "-12":            u1,
		u1 + "-1-2":           u1,
		strings.ToUpper(u1):   strings.ToUpper(u1),
		"0d5e6f7a-1111-2222-3333-444455556666": "0d5e6f7a-1111-2222-3333-444455556666",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripSuffix(in), in)
	}
}

func TestStrip_NonUUIDWithoutResolverIsUntouched(t *testing.T) {
	// без справочника "abc-123" неотличим от копии "abc": не режем
	assert.Equal(t, "abc-123", StripSuffix("abc-123"))
	assert.Equal(t, "node_x-1", StripSuffix("node_x-1"))
}

func TestStrip_ResolverBacked(t *testing.T) {
	known := CanonicalSet{}
	known.Add("abc-123", "node_price", "shared-ref-77")
	s := NewScheme(known)

	assert.Equal(t, "abc-123", s.Strip("abc-123"))
	assert.Equal(t, "abc-123", s.Strip("abc-123-1"))
	assert.Equal(t, "abc-123", s.Strip("abc-123-1-4"))
	assert.Equal(t, "node_price", s.Strip("node_price-3"))
	assert.Equal(t, "shared-ref-77", s.Strip("shared-ref-77-2"))
	assert.Equal(t, "unknown-5", s.Strip("unknown-5"))
}

func TestWithSuffix_Idempotent(t *testing.T) {
	known := CanonicalSet{}
	known.Add("abc-123", "node_a")
	s := NewScheme(known)

	ids := []string{u1, u1 + "-1", "abc-123", "abc-123-1", "node_a", "node_a-7"}
	for _, id := range ids {
		for n := 1; n <= 3; n++ {
			a, _ := s.WithSuffix(s.Strip(id), n)
			b, _ := s.WithSuffix(id, n)
			assert.Equal(t, a, b, "id=%s n=%d", id, n)
		}
	}
}

func TestWithSuffix_NeverDoubleApplies(t *testing.T) {
	double := regexp.MustCompile(`-\d+-\d+$`)
	for i := 0; i < 50; i++ {
		id := uuid.NewString()
		once, normalized := Scheme{}.WithSuffix(id, 1)
		assert.False(t, normalized)
		twice, normalized := Scheme{}.WithSuffix(once, 2)
		assert.True(t, normalized)
		assert.Equal(t, id+"-2", twice)
		assert.False(t, double.MatchString(twice), twice)
	}
}

func TestWithSuffix_ScenarioSelfReference(t *testing.T) {
	known := CanonicalSet{}
	known.Add("abc-123")
	id, normalized := NewScheme(known).WithSuffix("abc-123", 1)
	assert.Equal(t, "abc-123-1", id)
	assert.False(t, normalized)
}

func TestSuffixAndDouble(t *testing.T) {
	n, ok := Scheme{}.Suffix(u1 + "-4")
	require.True(t, ok)
	assert.Equal(t, 4, n)

	_, ok = Scheme{}.Suffix(u1)
	assert.False(t, ok)

	assert.True(t, Scheme{}.DoubleSuffixed(u1+"-1-1"))
	assert.False(t, Scheme{}.DoubleSuffixed(u1+"-1"))
}

func TestDisplayAndTotalIDs(t *testing.T) {
	assert.Equal(t, "display-V-1", DisplayID("V-1"))
	v, ok := VariableOfDisplay("display-V-1")
	require.True(t, ok)
	assert.Equal(t, "V-1", v)
	_, ok = VariableOfDisplay("display-")
	assert.False(t, ok)

	assert.Equal(t, "n1-sum-total", TotalID("n1"))
	assert.Equal(t, "n1-sum-total-formula", TotalFormulaID(TotalID("n1")))
}

func TestGenerator_NoDashes(t *testing.T) {
	g := NewGenerator()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := g.New()
		assert.NotContains(t, id, "-")
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.True(t, IsUUID(u1))
	assert.False(t, IsUUID(u1+"-1"))
	assert.False(t, IsUUID(NewID()))
}
