package artifact

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestPutHasOpen(t *testing.T) {
	c, err := New(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)

	ok, err := c.Has(testID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Open(testID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Put(testID, strings.NewReader("png-bytes")))

	ok, err = c.Has(testID)
	require.NoError(t, err)
	assert.True(t, ok)

	f, err := c.Open(testID)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testID+".png", entries[0].Name())
}

func TestPutIsWriteOnce(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Put(testID, strings.NewReader("first")))
	require.NoError(t, c.Put(testID, strings.NewReader("second")))

	data, err := os.ReadFile(c.Path(testID))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestConcurrentPut(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Put(testID, strings.NewReader("same-content"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	data, err := os.ReadFile(c.Path(testID))
	require.NoError(t, err)
	assert.Equal(t, "same-content", string(data))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestPutFailureIsPersistError(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	err = c.Put(testID, failingReader{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)

	ok, err := c.Has(testID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIDFromName(t *testing.T) {
	id, err := IDFromName(testID + ".png")
	require.NoError(t, err)
	assert.Equal(t, testID, id)

	for _, name := range []string{
		"../etc/passwd",
		testID,
		testID + ".jpg",
		"ABCDEF0123456789ABCDEF0123456789.png",
		"short.png",
	} {
		_, err := IDFromName(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}

	assert.Equal(t, "/api/images/"+testID+".png", Ref(testID))
}
