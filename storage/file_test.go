package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printd/finger"
	"printd/hardware"
	"printd/hardware/virtual"
)

func testDevice() *virtual.Device {
	return virtual.NewDevice(virtual.Options{Driver: "uru4000", DeviceID: "55"})
}

func testPrint(username string, f finger.Finger) *hardware.Print {
	return &hardware.Print{
		Driver:     "uru4000",
		DeviceID:   "55",
		Username:   username,
		Finger:     f,
		EnrollDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Data:       []byte("payload-" + f.String()),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())
	dev := testDevice()

	saved := testPrint("alice", finger.RightIndex)
	require.NoError(t, store.SavePrint(saved))

	loaded, err := store.LoadPrint(dev, finger.RightIndex, "alice")
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)
}

func TestLoadNotFound(t *testing.T) {
	store := NewFileStore(t.TempDir())

	_, err := store.LoadPrint(testDevice(), finger.LeftThumb, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	store := NewFileStore(t.TempDir())
	dev := testDevice()

	require.NoError(t, store.SavePrint(testPrint("alice", finger.RightIndex)))
	require.NoError(t, store.DeletePrint(dev, finger.RightIndex, "alice"))

	_, err := store.LoadPrint(dev, finger.RightIndex, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DeletePrint(dev, finger.RightIndex, "alice"), ErrNotFound)
}

func TestIncompatibleDevice(t *testing.T) {
	store := NewFileStore(t.TempDir())
	dev := testDevice()

	// A file whose embedded identity disagrees with its location, as
	// left behind by a copied or hand-edited store.
	stray := testPrint("alice", finger.RightIndex)
	stray.Driver = "elan"
	stray.DeviceID = "04f3"
	require.NoError(t, store.SavePrint(stray))

	path := store.printPath(dev.Driver(), dev.DeviceID(), "alice", finger.RightIndex)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	moved := store.printPath("elan", "04f3", "alice", finger.RightIndex)
	require.NoError(t, os.Rename(moved, path))

	_, err := store.LoadPrint(dev, finger.RightIndex, "alice")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDiscoverPrints(t *testing.T) {
	store := NewFileStore(t.TempDir())
	dev := testDevice()

	fingers, err := store.DiscoverPrints(dev, "alice")
	require.NoError(t, err)
	assert.Empty(t, fingers)

	require.NoError(t, store.SavePrint(testPrint("alice", finger.RightIndex)))
	require.NoError(t, store.SavePrint(testPrint("alice", finger.LeftThumb)))
	require.NoError(t, store.SavePrint(testPrint("bob", finger.RightThumb)))

	fingers, err = store.DiscoverPrints(dev, "alice")
	require.NoError(t, err)
	assert.Equal(t, []finger.Finger{finger.LeftThumb, finger.RightIndex}, fingers)
}

func TestDiscoverPrintsSkipsForeignFiles(t *testing.T) {
	base := t.TempDir()
	store := NewFileStore(base)
	dev := testDevice()

	require.NoError(t, store.SavePrint(testPrint("alice", finger.RightIndex)))

	dir := filepath.Join(base, "alice", "uru4000", "55")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0"), []byte("x"), 0600))

	fingers, err := store.DiscoverPrints(dev, "alice")
	require.NoError(t, err)
	assert.Equal(t, []finger.Finger{finger.RightIndex}, fingers)
}

func TestDiscoverUsers(t *testing.T) {
	store := NewFileStore(t.TempDir())

	users, err := store.DiscoverUsers()
	require.NoError(t, err)
	assert.Empty(t, users)

	require.NoError(t, store.SavePrint(testPrint("alice", finger.RightIndex)))
	require.NoError(t, store.SavePrint(testPrint("bob", finger.LeftThumb)))

	users, err = store.DiscoverUsers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)
}

func TestStateDirectoryFallback(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STATE_DIRECTORY", dir)

	store := NewFileStore("")
	require.NoError(t, store.SavePrint(testPrint("alice", finger.RightIndex)))

	_, err := os.Stat(filepath.Join(dir, "alice", "uru4000", "55", finger.RightIndex.Hex()))
	assert.NoError(t, err)
}
