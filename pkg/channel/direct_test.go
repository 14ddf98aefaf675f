package channel

import (
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/assetsync/pkg/errors"
)

func TestDirect(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/outside/secret", []byte("secret"), 0644))

	ch := NewDirect(fs, "/dest")
	assert.Equal(t, KindDirect, ch.Kind())
	assert.Equal(t, "/dest", ch.Root())
	require.NoError(t, ch.Probe())

	exists, err := afero.Exists(fs, "/dest/"+probeFile)
	assert.NoError(t, err)
	assert.False(t, exists, "the probe should clean up after itself")

	require.NoError(t, WriteFile(ch, "MediaPatch/a.png", []byte("contents")))
	exists, err = ch.Exists("MediaPatch/a.png")
	assert.NoError(t, err)
	assert.True(t, exists)

	contents, err := afero.ReadFile(fs, "/dest/MediaPatch/a.png")
	assert.NoError(t, err)
	assert.Equal(t, "contents", string(contents))

	size, err := ch.Size("MediaPatch/a.png")
	assert.NoError(t, err)
	assert.Equal(t, int64(8), size)

	_, err = ch.Size("missing")
	assert.Equal(t, errors.FileNotFound{Path: "missing"}, err)

	_, err = ch.Open("missing")
	assert.Equal(t, errors.FileNotFound{Path: "missing"}, err)

	require.NoError(t, ch.Copy("MediaPatch/a.png", "Other/dir/b.png", false))
	assert.Error(t, ch.Copy("MediaPatch/a.png", "Other/dir/b.png", false))
	assert.NoError(t, ch.Copy("MediaPatch/a.png", "Other/dir/b.png", true))

	f, err := ch.Open("Other/dir/b.png")
	require.NoError(t, err)
	copied, err := io.ReadAll(f)
	assert.NoError(t, err)
	assert.NoError(t, f.Close())
	assert.Equal(t, "contents", string(copied))

	files, err := ch.List(".")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"MediaPatch/a.png", "Other/dir/b.png"}, files)

	files, err = ch.List("Other")
	assert.NoError(t, err)
	assert.Equal(t, []string{"Other/dir/b.png"}, files)

	_, err = ch.List("missing")
	assert.Equal(t, errors.FileNotFound{Path: "missing"}, err)

	assert.NoError(t, ch.Delete("MediaPatch/a.png"))
	assert.NoError(t, ch.Delete("MediaPatch/a.png"), "deleting twice is not an error")
	exists, err = ch.Exists("MediaPatch/a.png")
	assert.NoError(t, err)
	assert.False(t, exists)

	// The base path prevents access outside of the root.
	_, err = ch.Open("../outside/secret")
	assert.Error(t, err)

	assert.NoError(t, ch.Close())
}

func TestClean(t *testing.T) {
	tests := []struct {
		in     string
		exp    string
		expErr bool
	}{
		{in: "a/b", exp: "a/b"},
		{in: "/a/b/", exp: "a/b"},
		{in: `MediaResources\x\y.png`, exp: "MediaResources/x/y.png"},
		{in: "a/../b", exp: "b"},
		{in: "", exp: "."},
		{in: ".", exp: "."},
		{in: "..", expErr: true},
		{in: "a/../../b", expErr: true},
		{in: `..\etc\passwd`, expErr: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.in, func(t *testing.T) {
			cleaned, err := Clean(test.in)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, test.exp, cleaned)
		})
	}
}
