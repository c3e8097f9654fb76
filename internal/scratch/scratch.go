// Package scratch manages the per-run filesystem workspaces used to stage
// fragment-solver input and output files.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/qsimlab/beopt/internal/config"
)

var (
	// ErrGone is returned by Cleanup when the directory has already been
	// removed. Repeated cleanup is an error the caller must be able to detect.
	ErrGone = errors.New("scratch: directory already removed")
	// ErrNotEmpty is returned by New when the requested directory exists and
	// already contains files.
	ErrNotEmpty = errors.New("scratch: directory exists and is not empty")
)

// envRoot overrides the root under which FromEnvironment allocates
// directories. When unset the system temp directory is used.
const envRoot = "BEOPT_SCRATCH_ROOT"

const dirPrefix = "BeOpt_"

// Dir is a scratch directory. It is created (or adopted, if already present
// and empty) by New and removed by Cleanup. On abnormal termination the
// directory is left in place for post-mortem inspection.
type Dir struct {
	path string
}

// New creates the directory at path, or adopts it if it already exists and is
// empty. A pre-existing non-empty directory is rejected with ErrNotEmpty.
func New(path string) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("scratch: resolve %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("scratch: %s is not a directory", abs)
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("scratch: inspect %s: %w", abs, err)
		}
		if len(entries) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotEmpty, abs)
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("scratch: create %s: %w", abs, err)
		}
	default:
		return nil, fmt.Errorf("scratch: stat %s: %w", abs, err)
	}

	return &Dir{path: abs}, nil
}

// FromEnvironment allocates a fresh directory under root, or under
// BEOPT_SCRATCH_ROOT (falling back to the system temp directory) when root is
// empty. Names are BeOpt_<n> with n starting at the process ID and increasing
// until an unused name is found, so concurrent acquisitions against a shared
// root never collide and a second acquisition within one process receives the
// next disambiguator.
func FromEnvironment(root string) (*Dir, error) {
	if root == "" {
		root = config.GetEnv(envRoot, os.TempDir())
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("scratch: create root %s: %w", root, err)
	}

	const maxProbe = 1 << 16
	pid := os.Getpid()
	for n := pid; n < pid+maxProbe; n++ {
		candidate := filepath.Join(root, fmt.Sprintf("%s%d", dirPrefix, n))
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			abs, aerr := filepath.Abs(candidate)
			if aerr != nil {
				return nil, fmt.Errorf("scratch: resolve %s: %w", candidate, aerr)
			}
			return &Dir{path: abs}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("scratch: create %s: %w", candidate, err)
		}
	}
	return nil, fmt.Errorf("scratch: no free directory name under %s after %d attempts", root, maxProbe)
}

// Path returns the absolute path of the directory.
func (d *Dir) Path() string {
	return d.path
}

// Join joins path elements onto the directory, so a Dir can be used like a
// path when staging files.
func (d *Dir) Join(elem ...string) string {
	return filepath.Join(append([]string{d.path}, elem...)...)
}

func (d *Dir) String() string {
	return d.path
}

// Cleanup removes the directory and everything beneath it. Calling Cleanup
// after the directory is gone returns ErrGone.
func (d *Dir) Cleanup() error {
	if _, err := os.Stat(d.path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrGone, d.path)
		}
		return fmt.Errorf("scratch: stat %s: %w", d.path, err)
	}
	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("scratch: remove %s: %w", d.path, err)
	}
	return nil
}

// Do runs fn with the directory in place. The directory is removed when fn
// succeeds and kept for inspection when fn returns an error.
func (d *Dir) Do(fn func(*Dir) error) error {
	if err := fn(d); err != nil {
		return err
	}
	return d.Cleanup()
}
