package entwine

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var (
	// DefaultAppName names the tool in paths and logs.
	DefaultAppName = "entwine"

	// MetaKey is the key the build metadata persists under; subset builds
	// append their postfix.
	MetaKey = "entwine"

	// DefaultTmpPath is where remote inputs are materialized when the
	// configuration names no tmp directory.
	DefaultTmpPath = filepath.Join(os.TempDir(), DefaultAppName)

	// DefaultNominalChunkPoints is the target cold chunk cell count when
	// the structure declares none.
	DefaultNominalChunkPoints = uint64(1 << 18)

	// DefaultSleepCount is how many points a worker processes between
	// clipper recycles. Raised when the work pool is single-threaded,
	// since one worker then owns the whole memory budget.
	DefaultSleepCount      = uint64(65536 * 24)
	SingleThreadSleepCount = uint64(65536 * 256)

	// PreviewRangeBytes is how much of an HTTP-derived source the scanner
	// fetches to read its header.
	PreviewRangeBytes = int64(16384)
)

// GetLogger returns a properly configured zerolog logger instance.
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
