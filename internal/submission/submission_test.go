package submission

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treeleaf/internal/model"
	"treeleaf/internal/store"
	"treeleaf/internal/store/storetest"
)

func TestCreateAndSync(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return store.InsertTree(ctx, tx, storetest.Tree("tree-1")) }))
	svc := New(zerolog.Nop())

	var sub *model.Submission
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		var err error
		sub, err = svc.Create(ctx, tx, "tree-1", "org-7")
		return err
	}))
	assert.Equal(t, "org-7", sub.OrganizationID)
	assert.Equal(t, StatusDraft, sub.Status)

	fresh := &model.Variable{ID: "v1-1", TreeID: "tree-1", NodeID: "field-1", ExposedKey: "field-1", DisplayName: "Field-1", Unit: "m"}
	for i := 0; i < 2; i++ {
		var added int
		require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
			var err error
			added, err = svc.SyncVariables(ctx, tx, "tree-1", []*model.Variable{fresh})
			return err
		}))
		if i == 0 {
			assert.Equal(t, 1, added)
		} else {
			assert.Zero(t, added, "повторная синхронизация ничего не добавляет")
		}
	}

	var rows []*model.SubmissionData
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		var err error
		rows, err = tx.ListSubmissionData(ctx, sub.ID)
		return err
	}))
	require.Len(t, rows, 2)
	byVar := map[string]*model.SubmissionData{}
	for _, r := range rows {
		byVar[r.VariableID] = r
	}
	require.Contains(t, byVar, "v1")
	assert.Equal(t, "field", byVar["v1"].ExposedKey)
	assert.True(t, byVar["v1"].IsVariable)
	assert.Equal(t, "Field-1", byVar["v1-1"].DisplayName)
	assert.Equal(t, "field-1", byVar["v1-1"].NodeID)
}

func TestSyncWithoutSubmissions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	svc := New(zerolog.Nop())
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		added, err := svc.SyncVariables(ctx, tx, "tree-x", []*model.Variable{{ID: "v"}})
		assert.Zero(t, added)
		return err
	}))
}
