package job

import (
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syphonlabs/syphon/internal/shared/id"
)

func TestLogServiceCreateAndLatest(t *testing.T) {
	svc := NewLogService(t.TempDir(), nil)

	w, path := svc.Create(testIdentity, id.NewRunID())
	require.NotEmpty(t, path)
	_, err := io.WriteString(w, "extraction started\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	content, err := svc.Latest(testIdentity)
	require.NoError(t, err)
	assert.Equal(t, "extraction started\n", content)
}

func TestLogServiceLatestPicksNewestRun(t *testing.T) {
	svc := NewLogService(t.TempDir(), nil)

	w1, _ := svc.Create(testIdentity, id.NewRunID())
	io.WriteString(w1, "old run\n")
	w1.Close()

	// ULID timestamps have millisecond precision; same-millisecond run IDs
	// would make "newest" ambiguous.
	time.Sleep(2 * time.Millisecond)

	w2, _ := svc.Create(testIdentity, id.NewRunID())
	io.WriteString(w2, "new run\n")
	w2.Close()

	content, err := svc.Latest(testIdentity)
	require.NoError(t, err)
	assert.Equal(t, "new run\n", content)
}

func TestLogServiceMissing(t *testing.T) {
	svc := NewLogService(t.TempDir(), nil)

	_, err := svc.Latest(testIdentity)
	assert.ErrorIs(t, err, ErrMissingLog)
}

func TestLogServiceSizeThreshold(t *testing.T) {
	svc := NewLogService(t.TempDir(), nil)

	w, _ := svc.Create(testIdentity, id.NewRunID())
	_, err := io.WriteString(w, strings.Repeat("x", MaxLogSize+1))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = svc.Latest(testIdentity)
	assert.ErrorIs(t, err, ErrLogTooLarge)
}

func TestLogServiceCreateFailureDiscards(t *testing.T) {
	// Unwritable root: the run must still get a usable sink.
	svc := NewLogService("/proc/nonexistent/logs", nil)

	w, path := svc.Create(testIdentity, id.NewRunID())
	assert.Empty(t, path)
	_, err := io.WriteString(w, "still fine\n")
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
}

func TestLogServiceLatestReadsArchived(t *testing.T) {
	svc := NewLogService(t.TempDir(), nil)
	runID := id.NewRunID()

	w, _ := svc.Create(testIdentity, runID)
	io.WriteString(w, "archived content\n")
	require.NoError(t, w.Close())

	_, err := svc.Archive(testIdentity, runID)
	require.NoError(t, err)

	content, err := svc.Latest(testIdentity)
	require.NoError(t, err)
	assert.Equal(t, "archived content\n", content)
}

func TestLogServiceArchive(t *testing.T) {
	svc := NewLogService(t.TempDir(), nil)
	runID := id.NewRunID()

	w, path := svc.Create(testIdentity, runID)
	io.WriteString(w, "compress me\n")
	require.NoError(t, w.Close())

	archive, err := svc.Archive(testIdentity, runID)
	require.NoError(t, err)
	assert.Equal(t, path+".gz", archive)

	// Original removed, archive round-trips.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	f, err := os.Open(archive)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	content, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "compress me\n", string(content))
}
