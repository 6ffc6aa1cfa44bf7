package job

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/syphonlabs/syphon/internal/identity"
	"github.com/syphonlabs/syphon/internal/logging"
	"github.com/syphonlabs/syphon/internal/shared/id"
)

// MaxLogSize bounds what Latest will return in one read.
const MaxLogSize = 2 * 1024 * 1024

var (
	// ErrMissingLog is returned when no log exists for an identity.
	ErrMissingLog = errors.New("job: no run log found")

	// ErrLogTooLarge is returned when the latest log exceeds MaxLogSize.
	ErrLogTooLarge = errors.New("job: run log exceeds size threshold")
)

// LogService captures each run's tagged output to
// <dir>/<identity>/<runID>/run.log and serves the latest log back for
// reporting.
type LogService struct {
	dir    string
	logger *logging.Logger
}

// NewLogService creates a log service rooted at dir.
func NewLogService(dir string, logger *logging.Logger) *LogService {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogService{dir: dir, logger: logger}
}

func (s *LogService) runDir(ident identity.Identity, runID id.RunID) string {
	// Identities never contain '/', but keep the mapping defensive.
	safe := strings.ReplaceAll(string(ident), "/", "_")
	return filepath.Join(s.dir, safe, string(runID))
}

// Create opens the log file for a run. A run must never fail because its
// log cannot be opened: on error the failure is logged and writes go to a
// discard sink.
func (s *LogService) Create(ident identity.Identity, runID id.RunID) (io.WriteCloser, string) {
	dir := s.runDir(ident, runID)
	path := filepath.Join(dir, "run.log")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("cannot create run log directory, discarding run log",
			zap.String("dir", dir), zap.Error(err))
		return nopWriteCloser{io.Discard}, ""
	}
	f, err := os.Create(path)
	if err != nil {
		s.logger.Error("cannot open run log, discarding run log",
			zap.String("path", path), zap.Error(err))
		return nopWriteCloser{io.Discard}, ""
	}
	return f, path
}

// Latest returns the contents of the most recent run log for ident.
func (s *LogService) Latest(ident identity.Identity) (string, error) {
	logs, err := s.allLogs(ident)
	if err != nil {
		return "", err
	}
	if len(logs) == 0 {
		return "", fmt.Errorf("latest log for %s: %w", ident, ErrMissingLog)
	}

	latest := logs[0]
	info, err := os.Stat(latest)
	if err != nil {
		return "", fmt.Errorf("latest log for %s: %w", ident, ErrMissingLog)
	}
	if info.Size() > MaxLogSize {
		return "", fmt.Errorf("latest log for %s is %d bytes: %w", ident, info.Size(), ErrLogTooLarge)
	}

	if strings.HasSuffix(latest, ".gz") {
		return s.readArchived(ident, latest)
	}
	content, err := os.ReadFile(latest)
	if err != nil {
		return "", fmt.Errorf("latest log for %s: %w", ident, err)
	}
	return string(content), nil
}

func (s *LogService) readArchived(ident identity.Identity, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("latest log for %s: %w", ident, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("latest log for %s: %w", ident, err)
	}
	defer gz.Close()

	content, err := io.ReadAll(io.LimitReader(gz, MaxLogSize+1))
	if err != nil {
		return "", fmt.Errorf("latest log for %s: %w", ident, err)
	}
	if len(content) > MaxLogSize {
		return "", fmt.Errorf("latest log for %s: %w", ident, ErrLogTooLarge)
	}
	return string(content), nil
}

// LatestPath returns the path of the most recent run log for ident.
func (s *LogService) LatestPath(ident identity.Identity) (string, error) {
	logs, err := s.allLogs(ident)
	if err != nil {
		return "", err
	}
	if len(logs) == 0 {
		return "", fmt.Errorf("latest log for %s: %w", ident, ErrMissingLog)
	}
	return logs[0], nil
}

// allLogs lists run logs (live or archived) for ident, newest first. Run
// directories are ULID-named, so reverse lexical order is creation order.
func (s *LogService) allLogs(ident identity.Identity) ([]string, error) {
	safe := strings.ReplaceAll(string(ident), "/", "_")
	matches, err := filepath.Glob(filepath.Join(s.dir, safe, "*", "run.log"))
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", ident, err)
	}
	archived, err := filepath.Glob(filepath.Join(s.dir, safe, "*", "run.log.gz"))
	if err != nil {
		return nil, fmt.Errorf("list logs for %s: %w", ident, err)
	}
	matches = append(matches, archived...)
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

// Archive gzip-compresses a finished run's log in place and returns the
// archive path. The uncompressed original is removed on success.
func (s *LogService) Archive(ident identity.Identity, runID id.RunID) (string, error) {
	path := filepath.Join(s.runDir(ident, runID), "run.log")
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("archive log %s: %w", runID, err)
	}
	defer src.Close()

	archivePath := path + ".gz"
	dst, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("archive log %s: %w", runID, err)
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("archive log %s: %w", runID, err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("archive log %s: %w", runID, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("archive log %s: %w", runID, err)
	}

	if err := os.Remove(path); err != nil {
		s.logger.Warn("archived log original not removed",
			zap.String("path", path), zap.Error(err))
	}
	return archivePath, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
