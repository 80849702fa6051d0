package supervisor

import (
	"errors"
	"io/fs"
	"os/exec"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawn_StopTerminates(t *testing.T) {
	p, err := Spawn("sleep", []string{"10"})
	require.NoError(t, err)
	require.NotZero(t, p.Pid())

	require.NoError(t, p.Stop())
	code, err := p.Wait()
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
}

func TestSpawn_Kill(t *testing.T) {
	p, err := Spawn("sleep", []string{"10"})
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	code, _ := p.Wait()
	assert.Equal(t, -1, code)

	// Signalling a reaped group is not an error.
	assert.NoError(t, p.Stop())
}

func TestSpawn_ReportsExitCodeAndStderr(t *testing.T) {
	p, err := Spawn("sh", []string{"-c", "echo boom >&2; exit 3"})
	require.NoError(t, err)

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "boom", strings.TrimSpace(p.Stderr()))

	again, _ := p.Wait()
	assert.Equal(t, 3, again)
}

func TestSpawn_MissingBinary(t *testing.T) {
	_, err := Spawn("/definitely/not/a/browser", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist) || errors.Is(err, exec.ErrNotFound))

	_, err = Spawn("definitely-not-a-browser-on-path", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.ErrNotFound)
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	tb := &tailBuffer{limit: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "defg", tb.String())
}

func TestTempDirs_Lifecycle(t *testing.T) {
	mem := afero.NewMemMapFs()
	dirs := NewTempDirs(mem, "/tmp/root")

	path := dirs.Path("proctor-1")
	assert.Equal(t, "/tmp/root/proctor-1", path)

	require.NoError(t, dirs.Create(path))
	require.NoError(t, afero.WriteFile(mem, path+"/prefs.js", []byte("x"), 0o644))
	ok, _ := afero.DirExists(mem, path)
	assert.True(t, ok)

	require.NoError(t, dirs.Remove(path))
	ok, _ = afero.DirExists(mem, path)
	assert.False(t, ok)
	assert.NoError(t, dirs.Remove(path))
}

func TestTempDirs_RootFromEnv(t *testing.T) {
	t.Setenv("PROCTOR_TMPDIR", "/custom")
	dirs := NewTempDirs(afero.NewMemMapFs(), "")
	assert.Equal(t, "/custom/x", dirs.Path("x"))
}
