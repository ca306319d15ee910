package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bulbflow/internal/store"
)

func openJournal(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRun(t *testing.T, s *store.Store, runID string) store.RunSnapshot {
	t.Helper()
	ctx := context.Background()

	_, _, err := s.ClaimInvocation(ctx, store.Invocation{
		ID:        runID,
		Scope:     "InstallationWorkflow",
		Operation: "run",
		Payload:   json.RawMessage(`{"id":"` + runID + `"}`),
	})
	require.NoError(t, err)
	_, _, err = s.RecordStep(ctx, store.StepRecord{RunID: runID, Label: "install", Attempts: 1, Output: json.RawMessage(`{"success":true}`)})
	require.NoError(t, err)
	require.NoError(t, s.SetMarker(ctx, runID, "installation_status", "completed"))
	_, err = s.CompleteInvocation(ctx, runID, []byte(`{"status":"completed"}`), nil)
	require.NoError(t, err)

	snap, found, err := s.Snapshot(ctx, runID)
	require.NoError(t, err)
	require.True(t, found)
	return snap
}

func TestStoreArchiverRoundTrip(t *testing.T) {
	s := openJournal(t)
	ctx := context.Background()
	snap := seedRun(t, s, "bulb-1")

	a := NewStoreArchiver(s)
	require.NoError(t, a.Archive(ctx, snap))

	steps, err := s.ListSteps(ctx, "bulb-1")
	require.NoError(t, err)
	assert.Empty(t, steps)

	got, found, err := a.Fetch(ctx, "bulb-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "install", got.Steps[0].Label)
	require.Len(t, got.Markers, 1)
	assert.Equal(t, "completed", got.Markers[0].Value)
	assert.Equal(t, store.StatusSucceeded, got.Invocation.Status)
}

func TestStoreArchiverFetchMissing(t *testing.T) {
	a := NewStoreArchiver(openJournal(t))
	_, found, err := a.Fetch(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestObjectConfigValidate(t *testing.T) {
	assert.Error(t, ObjectConfig{Bucket: "runs"}.Validate())
	assert.Error(t, ObjectConfig{Endpoint: "minio:9000"}.Validate())
	assert.NoError(t, ObjectConfig{Endpoint: "minio:9000", Bucket: "runs"}.Validate())
	assert.Equal(t, "runs/bulb-1.json", ObjectName("bulb-1"))
}

// Runs against a real S3-compatible endpoint when one is configured.
func TestObjectArchiverRoundTrip(t *testing.T) {
	endpoint := os.Getenv("BULBFLOW_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("BULBFLOW_TEST_MINIO_ENDPOINT not set")
	}

	s := openJournal(t)
	ctx := context.Background()
	snap := seedRun(t, s, "bulb-2")

	a, err := NewObjectArchiver(ctx, ObjectConfig{
		Endpoint:  endpoint,
		Bucket:    "bulbflow-test",
		AccessKey: os.Getenv("BULBFLOW_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("BULBFLOW_TEST_MINIO_SECRET_KEY"),
	}, s)
	require.NoError(t, err)
	require.NoError(t, a.Archive(ctx, snap))

	got, found, err := a.Fetch(ctx, "bulb-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bulb-2", got.Invocation.ID)
	require.Len(t, got.Steps, 1)
}
