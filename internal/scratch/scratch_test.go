package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdoptAndCleanupTwice(t *testing.T) {
	path := t.TempDir()

	d, err := New(path)
	require.NoError(t, err)
	require.Equal(t, path, d.Path())

	require.NoError(t, d.Cleanup())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "directory should be removed")

	err = d.Cleanup()
	require.ErrorIs(t, err, ErrGone)
}

func TestDoKeepsDirOnError(t *testing.T) {
	path := t.TempDir()
	d, err := New(path)
	require.NoError(t, err)

	boom := fmt.Errorf("solver blew up")
	err = d.Do(func(*Dir) error { return boom })
	require.ErrorIs(t, err, boom)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "directory should survive a failed unit of work")

	// A clean pass afterwards removes it.
	require.NoError(t, d.Do(func(*Dir) error { return nil }))
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRejectNonEmpty(t *testing.T) {
	path := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(path, "leftover"), []byte("x"), 0o644))

	_, err := New(path)
	require.ErrorIs(t, err, ErrNotEmpty)

	// The offending directory is left untouched.
	_, statErr := os.Stat(filepath.Join(path, "leftover"))
	assert.NoError(t, statErr)
}

func TestCreatesMissingPath(t *testing.T) {
	t.Chdir(t.TempDir())

	d, err := New("scratch_test")
	require.NoError(t, err)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "scratch_test"), d.Path())

	info, err := os.Stat(d.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, d.Cleanup())
}

func TestFromEnvironmentDisambiguates(t *testing.T) {
	root := t.TempDir()
	pid := os.Getpid()

	d1, err := FromEnvironment(root)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("BeOpt_%d", pid), filepath.Base(d1.Path()))

	// While the first directory is live, the next acquisition moves on to
	// the next disambiguator.
	d2, err := FromEnvironment(root)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("BeOpt_%d", pid+1), filepath.Base(d2.Path()))

	require.NoError(t, d1.Cleanup())
	require.NoError(t, d2.Cleanup())
}

func TestFromEnvironmentRootOverride(t *testing.T) {
	root := t.TempDir()
	t.Setenv("BEOPT_SCRATCH_ROOT", root)

	d, err := FromEnvironment("")
	require.NoError(t, err)
	assert.Equal(t, root, filepath.Dir(d.Path()))
	require.NoError(t, d.Cleanup())
}

func TestRoundTrip(t *testing.T) {
	d, err := FromEnvironment(t.TempDir())
	require.NoError(t, err)

	target := d.Join("fragment", "input.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("hello world"), 0o644))

	got, err := os.ReadFile(filepath.Join(d.Path(), "fragment", "input.json"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	require.NoError(t, d.Cleanup())
	_, err = os.Stat(d.Path())
	require.True(t, os.IsNotExist(err), "released scratch should be gone")

	require.ErrorIs(t, d.Cleanup(), ErrGone)
}
