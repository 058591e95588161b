package filelock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")
	lock := New(path)

	require.NoError(t, lock.Lock())
	require.NoError(t, lock.Unlock())
}

func TestTryLockHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	first := New(path)
	require.NoError(t, first.Lock())
	defer first.Unlock()

	second := New(path)
	ok, err := second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, AtomicWrite(path, []byte(`{"a":1}`)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// Overwrite replaces the content entirely.
	require.NoError(t, AtomicWrite(path, []byte(`{"b":2}`)))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLockAndWriteConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, LockAndWrite(path, []byte(`{"n":1}`)))
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(data))
}
