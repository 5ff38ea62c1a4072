package store

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/resource"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data"), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestBeginRunCreatesMetadata(t *testing.T) {
	s := newTestStore(t)

	run, err := s.BeginRun(false)
	require.NoError(t, err)

	meta := run.Meta()
	assert.Equal(t, "Journal Transporter", meta.Application)
	assert.NotEmpty(t, meta.Version)
	assert.False(t, meta.Initiated.IsZero())

	_, err = uuid.Parse(meta.TransactionID)
	assert.NoError(t, err, "transaction id must be a uuid")
}

func TestBeginRunResumeKeepsTransactionID(t *testing.T) {
	s := newTestStore(t)

	first, err := s.BeginRun(false)
	require.NoError(t, err)
	id := first.Meta().TransactionID

	resumed, err := s.BeginRun(true)
	require.NoError(t, err)
	assert.Equal(t, id, resumed.Meta().TransactionID)

	fresh, err := s.BeginRun(false)
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh.Meta().TransactionID)
}

func TestStageMarks(t *testing.T) {
	s := newTestStore(t)
	run, err := s.BeginRun(false)
	require.NoError(t, err)

	assert.False(t, run.StageDone("index"))
	require.NoError(t, run.MarkStage("index_started"))
	assert.False(t, run.StageDone("index"))
	require.NoError(t, run.MarkStage("index_finished"))
	assert.True(t, run.StageDone("index"))

	// Marks survive reopening the run.
	resumed, err := s.BeginRun(true)
	require.NoError(t, err)
	assert.True(t, resumed.StageDone("index"))
	assert.False(t, resumed.StageDone("fetch"))
}

func TestFinalizeRetainsRuns(t *testing.T) {
	s := newTestStore(t)

	var stamps []string
	for i := 0; i < 3; i++ {
		run, err := s.BeginRun(false)
		require.NoError(t, err)
		require.NoError(t, run.MarkStage("push_finished"))
		name, err := s.Finalize(true, 2)
		require.NoError(t, err)
		stamps = append(stamps, name)
	}

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2, "keep-max of 2 prunes the oldest run")
	assert.Equal(t, stamps[2], runs[0], "newest first")
	assert.Equal(t, stamps[1], runs[1])

	_, err = os.Stat(filepath.Join(s.Base(), stamps[0]))
	assert.True(t, os.IsNotExist(err), "oldest run is removed")

	// current points at the most recent retained run.
	target, err := filepath.EvalSymlinks(s.currentPath())
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(filepath.Join(s.Base(), stamps[2]))
	require.NoError(t, err)
	assert.Equal(t, resolved, target)
}

func TestFinalizeWithoutKeepDiscards(t *testing.T) {
	s := newTestStore(t)

	_, err := s.BeginRun(false)
	require.NoError(t, err)
	name, err := s.Finalize(false, 0)
	require.NoError(t, err)
	assert.Empty(t, name)

	runs, err := s.Runs()
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestIndexRoundTrip(t *testing.T) {
	s := newTestStore(t)
	run, err := s.BeginRun(false)
	require.NoError(t, err)

	container := run.ContainerPath("journals")
	got, err := run.ReadIndex(container)
	require.NoError(t, err)
	assert.Empty(t, got, "missing index reads as empty")

	entries := []IndexEntry{
		{UUID: uuid.New(), SourceKey: "1", KeyAttributes: gojson.RawMessage(`{"path":"jcom"}`)},
		{UUID: uuid.New(), SourceKey: "2"},
	}
	require.NoError(t, run.WriteIndex(container, entries))

	got, err = run.ReadIndex(container)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, entries[0].UUID, got[0].UUID)
	assert.JSONEq(t, `{"path":"jcom"}`, string(got[0].KeyAttributes))
}

func TestUpsertIndexEntries(t *testing.T) {
	s := newTestStore(t)
	run, err := s.BeginRun(false)
	require.NoError(t, err)

	container := run.ContainerPath("journals")
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, run.UpsertIndexEntries(container, []IndexEntry{
		{UUID: a, SourceKey: "1"},
		{UUID: b, SourceKey: "2"},
	}))
	require.NoError(t, run.UpsertIndexEntries(container, []IndexEntry{
		{UUID: b, SourceKey: "2-updated"},
		{UUID: c, SourceKey: "3"},
	}))

	got, err := run.ReadIndex(container)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, a, got[0].UUID, "existing entries keep their position")
	assert.Equal(t, "2-updated", got[1].SourceKey, "re-upsert replaces in place")
	assert.Equal(t, c, got[2].UUID, "new entries append")
}

func TestCorruptIndexReported(t *testing.T) {
	s := newTestStore(t)
	run, err := s.BeginRun(false)
	require.NoError(t, err)

	container := run.ContainerPath("journals")
	require.NoError(t, os.MkdirAll(container, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(container, "index.json"), []byte("{not json"), 0o644))

	_, err = run.ReadIndex(container)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeStoreCorruption))
}

func TestDetailResumability(t *testing.T) {
	s := newTestStore(t)
	run, err := s.BeginRun(false)
	require.NoError(t, err)

	container := run.ContainerPath("journals", uuid.NewString())
	assert.False(t, run.HasDetail(container, resource.TypeJournals))

	detail := gojson.RawMessage(`{"title":"Journal of Tests","path":"jot"}`)
	require.NoError(t, run.WriteDetail(container, resource.TypeJournals, detail))
	assert.True(t, run.HasDetail(container, resource.TypeJournals))

	got, err := run.ReadDetail(container, resource.TypeJournals)
	require.NoError(t, err)
	assert.JSONEq(t, string(detail), string(got))

	// The detail data is reachable after resuming the run.
	resumed, err := s.BeginRun(true)
	require.NoError(t, err)
	assert.True(t, resumed.HasDetail(container, resource.TypeJournals))
}

func TestBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	run, err := s.BeginRun(false)
	require.NoError(t, err)

	container := run.ContainerPath("journals", uuid.NewString(), "articles", uuid.NewString(), "files", uuid.NewString())
	payload := bytes.Repeat([]byte("galley"), 1024)

	n, err := run.WriteBlob(container, "manuscript.pdf", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	rc, err := run.OpenBlob(container, "manuscript.pdf")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, run.WriteDetail(container, resource.TypeFiles, gojson.RawMessage(`{"file_name":"manuscript.pdf"}`)))
	names, err := run.Blobs(container, resource.TypeFiles)
	require.NoError(t, err)
	assert.Equal(t, []string{"manuscript.pdf"}, names, "detail document is not listed as a blob")
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	run, err := s.BeginRun(false)
	require.NoError(t, err)

	container := run.ContainerPath("journals")
	for i := 0; i < 5; i++ {
		require.NoError(t, run.WriteIndex(container, []IndexEntry{{UUID: uuid.New(), SourceKey: "x"}}))
	}

	entries, err := os.ReadDir(container)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "index.json", entries[0].Name())
}
