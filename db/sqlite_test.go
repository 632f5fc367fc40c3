package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opflow/contract"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := InitDB(filepath.Join(t.TempDir(), "opflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOperatorLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateOperator(ctx, Operator{
		ID:        "op-1",
		TypeID:    6001,
		ParentIDs: []string{"a", "b"},
		Config:    `{"parameter":{}}`,
		ResultURL: "stale",
	}))

	op, err := store.GetOperatorByID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)
	assert.Equal(t, []string{"a", "b"}, op.ParentIDs)

	attempt, err := store.ClaimOperator(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	op, err = store.GetOperatorByID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, op.Status)
	assert.Empty(t, op.ResultURL)

	_, err = store.ClaimOperator(ctx, "op-1")
	assert.True(t, errors.Is(err, contract.ErrOperatorBusy))

	require.NoError(t, store.UpdateOperatorByID(ctx, "op-1", OperatorUpdate{Status: StatusSuccess, ResultURL: "/m/1", RunInfo: "ok"}))
	op, err = store.GetOperatorByID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, op.Status)
	assert.Equal(t, "/m/1", op.ResultURL)

	attempt, err = store.ClaimOperator(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
}

func TestCreateOperatorKeepsRunState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.CreateOperator(ctx, Operator{ID: "op-1", TypeID: 6001}))
	_, err := store.ClaimOperator(ctx, "op-1")
	require.NoError(t, err)

	require.NoError(t, store.CreateOperator(ctx, Operator{ID: "op-1", TypeID: 6002, ParentIDs: []string{"src"}}))
	op, err := store.GetOperatorByID(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, op.Status)
	assert.Equal(t, 1, op.Attempt)
	assert.Equal(t, 6002, op.TypeID)
	assert.Equal(t, []string{"src"}, op.ParentIDs)

	_, err = store.ClaimOperator(ctx, "op-1")
	assert.True(t, errors.Is(err, contract.ErrOperatorBusy))
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "opflow.db")
	store, err := InitDB(path)
	require.NoError(t, err)
	require.NoError(t, store.CreateOperator(ctx, Operator{ID: "a", TypeID: 6001}))
	require.NoError(t, store.CreateOperator(ctx, Operator{ID: "b", TypeID: 6001}))
	require.NoError(t, store.CreateOperator(ctx, Operator{ID: "c", TypeID: 6001}))
	for _, id := range []string{"a", "b"} {
		_, err := store.ClaimOperator(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	// a new process opens the same database
	store, err = InitDB(path)
	require.NoError(t, err)
	defer store.Close()

	ids, err := store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	op, err := store.GetOperatorByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusError, op.Status)
	assert.Equal(t, InterruptedRunInfo, op.RunInfo)
	op, err = store.GetOperatorByID(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, op.Status)

	attempt, err := store.ClaimOperator(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)

	ids, err = store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestMissingOperator(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetOperatorByID(ctx, "nope")
	assert.True(t, errors.Is(err, contract.ErrOperatorNotFound))
	_, err = store.ClaimOperator(ctx, "nope")
	assert.True(t, errors.Is(err, contract.ErrOperatorNotFound))
	err = store.UpdateOperatorByID(ctx, "nope", OperatorUpdate{Status: StatusError})
	assert.True(t, errors.Is(err, contract.ErrOperatorNotFound))
}

func TestRunRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	start := time.Now().Add(-time.Second)
	for i := 1; i <= 3; i++ {
		_, err := store.AppendRunRecord(ctx, RunRecord{
			OperatorID: "op-1",
			Attempt:    i,
			Kind:       "train",
			Family:     "svm",
			Status:     StatusSuccess,
			StartedAt:  start,
			FinishedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	records, err := store.ListRunRecords(ctx, "op-1", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 3, records[0].Attempt)
	assert.Equal(t, StatusSuccess, records[0].Status)

	records, err = store.ListRunRecords(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCurrentDataURL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dir := t.TempDir()
	require.NoError(t, store.SaveProject(ctx, "p1", dir))

	_, err := store.CurrentDataURL(ctx, "p1")
	assert.True(t, errors.Is(err, contract.ErrDataSource))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.csv"), []byte("a\n1\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	url, err := store.CurrentDataURL(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.True(t, strings.HasSuffix(url, "data.csv"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "more.CSV"), []byte("a\n1\n"), 0o600))
	_, err = store.CurrentDataURL(ctx, "p1")
	assert.True(t, errors.Is(err, contract.ErrDataSource))

	_, err = store.CurrentDataURL(ctx, "missing")
	assert.True(t, errors.Is(err, contract.ErrDataSource))
}

func TestParseParentIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseParentIDs("a,,b, "))
	assert.Empty(t, ParseParentIDs(""))
}
