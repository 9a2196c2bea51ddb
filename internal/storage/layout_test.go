package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gobt/internal/metainfo"
)

func multiFileInfo() *metainfo.Info {
	return &metainfo.Info{
		PieceLength: 16,
		Pieces:      make([][20]byte, 3),
		Mode:        metainfo.ModeMulti,
		Multi: &metainfo.MultiMode{
			DirName: "bundle",
			Files: []metainfo.File{
				{Length: 10, Path: []string{"a.txt"}},
				{Length: 20, Path: []string{"sub", "b.txt"}},
			},
		},
	}
}

func TestLayoutPrepareCreatesSparseFiles(t *testing.T) {
	dir := t.TempDir()
	l := NewLayout(multiFileInfo(), dir)
	require.NoError(t, l.Prepare())

	aInfo, err := os.Stat(filepath.Join(dir, "bundle", "a.txt"))
	require.NoError(t, err)
	assert.EqualValues(t, 10, aInfo.Size())

	bInfo, err := os.Stat(filepath.Join(dir, "bundle", "sub", "b.txt"))
	require.NoError(t, err)
	assert.EqualValues(t, 20, bInfo.Size())

	assert.EqualValues(t, 30, l.TotalSize())
}

func TestWriteAtStraddlesFileBoundary(t *testing.T) {
	dir := t.TempDir()
	l := NewLayout(multiFileInfo(), dir)
	require.NoError(t, l.Prepare())

	data := make([]byte, 14)
	for i := range data {
		data[i] = byte(i + 1)
	}
	// global offset 6 through 20 straddles a.txt (len 10) into b.txt.
	require.NoError(t, l.WriteAt(6, data))

	a, err := l.ReadAt(0, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2, 3, 4}, a)

	b, err := l.ReadAt(10, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8, 9, 10, 11, 12, 13, 14}, b)
}

func TestWriteAtRejectsOutOfBoundsRange(t *testing.T) {
	dir := t.TempDir()
	l := NewLayout(multiFileInfo(), dir)
	require.NoError(t, l.Prepare())

	err := l.WriteAt(25, make([]byte, 10))
	assert.Error(t, err)
}
