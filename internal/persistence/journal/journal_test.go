package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type record struct {
	Tick   uint64 `json:"tick"`
	Loaded int    `json:"loaded"`
}

func TestRotatesHourlyAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	j := New[record](dir, "stats")
	j.w.now = func() time.Time { return clock }

	require.NoError(t, j.Write(record{Tick: 1, Loaded: 10}))
	require.NoError(t, j.Write(record{Tick: 2, Loaded: 12}))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, j.Write(record{Tick: 3, Loaded: 15}))
	require.NoError(t, j.Close())

	files, err := Files(dir, "stats")
	require.NoError(t, err)
	require.Len(t, files, 2)

	var got []record
	for _, f := range files {
		require.NoError(t, ReadFile(f, func(r record) error {
			got = append(got, r)
			return nil
		}))
	}
	require.Equal(t, []record{{1, 10}, {2, 12}, {3, 15}}, got)
}

func TestAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i := 0; i < 3; i++ {
		w := NewWriter(dir, "stats")
		w.now = clock
		require.NoError(t, w.Write(record{Tick: uint64(i)}))
		require.NoError(t, w.Flush())
		require.NoError(t, w.Close())
	}
	files, err := Files(dir, "stats")
	require.NoError(t, err)
	require.Len(t, files, 1)
	n := 0
	require.NoError(t, ReadFile(files[0], func(r record) error {
		require.Equal(t, uint64(n), r.Tick)
		n++
		return nil
	}))
	require.Equal(t, 3, n)
}
