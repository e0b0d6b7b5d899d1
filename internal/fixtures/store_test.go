package fixtures

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir).WithHub("", "")
	assert.Equal(t, dir, store.Dir())
	assert.Equal(t, filepath.Join(dir, "a.npz"), store.LocalPath("a.npz"))
	assert.Equal(t, "/abs/a.npz", store.LocalPath("/abs/a.npz"))
	assert.Equal(t, ".", NewStore("").Dir())

	_, err := store.Path("a.npz")
	require.ErrorContains(t, err, `fixture "a.npz" not found`)
	_, err = store.ReadNpz("a.npz")
	require.Error(t, err)

	arrays := map[string]*tensors.Tensor{
		"x":   tensors.FromValue([][]float32{{1, 2}, {3, 4}}),
		"num": tensors.FromScalar(int64(2)),
	}
	require.NoError(t, store.WriteNpz(filepath.Join("sub", "a.npz"), arrays))
	filePath, err := store.Path(filepath.Join("sub", "a.npz"))
	require.NoError(t, err)
	assert.FileExists(t, filePath)

	loaded, err := store.ReadNpz(filepath.Join("sub", "a.npz"))
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	x, err := Require(loaded, "a.npz", "x")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, x.Value())
	num, err := Require(loaded, "a.npz", "num")
	require.NoError(t, err)
	assert.Equal(t, int64(2), num.Value())
	_, err = Require(loaded, "a.npz", "dout1")
	require.ErrorContains(t, err, `fixture "a.npz" has no array "dout1"`)

	Release(loaded, "x")
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, x.Value())
	Release(arrays)
}
