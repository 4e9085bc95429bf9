package cache

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newMemStore() (*Store, afero.Fs, *fakeClock) {
	fsys := afero.NewMemMapFs()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewWithFS(fsys, "/var/cache/calfeed").WithClock(clock.Now), fsys, clock
}

func TestKeyIsDeterministic(t *testing.T) {
	s, _, _ := newMemStore()
	assert.Equal(t, s.Key("team", 24), s.Key("team", 24))
	assert.NotEqual(t, s.Key("team", 24), s.Key("team", 48))
	assert.Equal(t, filepath.Join("/var/cache/calfeed", "team_24hours.xml"), s.Key("team", 24))
}

func TestWriteReadAndFreshness(t *testing.T) {
	s, fsys, clock := newMemStore()

	assert.False(t, s.IsFresh("team", 24, time.Minute))
	_, err := s.Read("team", 24)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Age("team", 24)
	assert.ErrorIs(t, err, ErrNotFound)

	body := []byte("<?xml version=\"1.0\"?><rss/>")
	require.NoError(t, s.Write("team", 24, body))

	got, err := s.Read("team", 24)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.True(t, s.IsFresh("team", 24, time.Minute))

	clock.Advance(time.Minute)
	assert.True(t, s.IsFresh("team", 24, time.Minute), "age equal to ttl is still fresh")

	clock.Advance(time.Second)
	assert.False(t, s.IsFresh("team", 24, time.Minute))

	// Stale entries are still readable.
	got, err = s.Read("team", 24)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	age, err := s.Age("team", 24)
	require.NoError(t, err)
	assert.Equal(t, 61*time.Second, age)

	// No temp files are left behind.
	entries, err := afero.ReadDir(fsys, "/var/cache/calfeed")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "team_24hours.xml", entries[0].Name())
}

func TestWriteRefreshesTimestamp(t *testing.T) {
	s, _, clock := newMemStore()

	require.NoError(t, s.Write("team", 24, []byte("old")))
	clock.Advance(time.Hour)
	assert.False(t, s.IsFresh("team", 24, time.Minute))

	require.NoError(t, s.Write("team", 24, []byte("new")))
	assert.True(t, s.IsFresh("team", 24, time.Minute))

	got, err := s.Read("team", 24)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestWriteFailsOnReadOnlyFS(t *testing.T) {
	s := NewWithFS(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/cache")
	assert.Error(t, s.Write("team", 24, []byte("x")))
}

func TestConcurrentWritesNeverTruncate(t *testing.T) {
	s := New(t.TempDir())

	bodies := make([][]byte, 8)
	for i := range bodies {
		bodies[i] = bytes.Repeat([]byte(fmt.Sprintf("<item>%d</item>", i)), 4096)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	readErrs := make(chan error, 1)

	go func() {
		for {
			select {
			case <-stop:
				close(readErrs)
				return
			default:
			}
			got, err := s.Read("team", 24)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				readErrs <- err
				close(readErrs)
				return
			}
			if !isOneOf(got, bodies) {
				readErrs <- fmt.Errorf("observed partial body of %d bytes", len(got))
				close(readErrs)
				return
			}
		}
	}()

	for i := range bodies {
		wg.Add(1)
		go func(b []byte) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, s.Write("team", 24, b))
			}
		}(bodies[i])
	}
	wg.Wait()
	close(stop)

	for err := range readErrs {
		t.Fatal(err)
	}

	got, err := s.Read("team", 24)
	require.NoError(t, err)
	assert.True(t, isOneOf(got, bodies))
}

func isOneOf(got []byte, bodies [][]byte) bool {
	for _, b := range bodies {
		if bytes.Equal(got, b) {
			return true
		}
	}
	return false
}
