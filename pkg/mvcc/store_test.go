package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"spankv/pkg/command"
	"spankv/pkg/types"
)

func put(key, value string) command.Mutation {
	return command.Mutation{Key: []byte(key), Value: []byte(value)}
}

func del(key string) command.Mutation {
	return command.Mutation{Key: []byte(key), Tombstone: true}
}

func apply(t *testing.T, s *Store, index types.LogIndex, commitTS types.Timestamp, muts ...command.Mutation) {
	t.Helper()
	cmd := command.New(commitTS-1, commitTS, muts)
	require.NoError(t, s.Apply(cmd, index))
}

func TestStore_GetNewestVersionAtOrBelow(t *testing.T) {
	s := New()
	apply(t, s, 1, 100, put("a", "v1"))
	apply(t, s, 2, 200, put("a", "v2"))
	apply(t, s, 3, 300, put("a", "v3"))

	cases := []struct {
		ts    types.Timestamp
		want  string
		found bool
	}{
		{50, "", false},
		{100, "v1", true},
		{150, "v1", true},
		{200, "v2", true},
		{299, "v2", true},
		{300, "v3", true},
		{1 << 40, "v3", true},
	}
	for _, c := range cases {
		got, ok := s.Get([]byte("a"), c.ts)
		require.Equal(t, c.found, ok, "ts=%d", c.ts)
		if ok {
			require.Equal(t, c.want, string(got), "ts=%d", c.ts)
		}
	}
}

func TestStore_TombstoneReadsAsMissing(t *testing.T) {
	s := New()
	apply(t, s, 1, 100, put("a", "v1"))
	apply(t, s, 2, 200, del("a"))
	apply(t, s, 3, 300, put("a", "v3"))

	_, ok := s.Get([]byte("a"), 250)
	require.False(t, ok, "read between tombstone and rewrite")

	got, ok := s.Get([]byte("a"), 150)
	require.True(t, ok)
	require.Equal(t, "v1", string(got))

	got, ok = s.Get([]byte("a"), 350)
	require.True(t, ok)
	require.Equal(t, "v3", string(got))
}

func TestStore_VersionTimestampsStrictlyIncreasing(t *testing.T) {
	s := New()
	apply(t, s, 1, 100, put("a", "v1"))

	cmd := command.New(90, 100, []command.Mutation{put("a", "dup")})
	require.Error(t, s.Apply(cmd, 2), "equal commit ts must be rejected")

	cmd = command.New(40, 50, []command.Mutation{put("a", "old")})
	require.Error(t, s.Apply(cmd, 3), "older commit ts must be rejected")

	require.Equal(t, types.Timestamp(100), s.LatestTS([]byte("a")))
}

func TestStore_ReplayedIndexIsSkipped(t *testing.T) {
	s := New()
	apply(t, s, 5, 100, put("a", "v1"))

	// Replaying the same entry after a restart must be a no-op, not a
	// strict-increase violation.
	cmd := command.New(99, 100, []command.Mutation{put("a", "v1")})
	require.NoError(t, s.Apply(cmd, 5))

	require.Equal(t, types.LogIndex(5), s.AppliedIndex())
	require.Equal(t, 1, s.Len())
}

func TestStore_WatermarkTracksCommits(t *testing.T) {
	s := New()
	require.Equal(t, types.Timestamp(0), s.Watermark())

	apply(t, s, 1, 100, put("a", "v1"))
	apply(t, s, 2, 250, put("b", "v1"))
	require.Equal(t, types.Timestamp(250), s.Watermark())
}

func TestStore_MultiKeyCommandIsAtomicallyVisible(t *testing.T) {
	s := New()
	apply(t, s, 1, 100, put("x", "1"), put("y", "1"), del("z"))

	for _, key := range []string{"x", "y"} {
		got, ok := s.Get([]byte(key), 100)
		require.True(t, ok, "key=%s", key)
		require.Equal(t, "1", string(got))
	}
	_, ok := s.Get([]byte("z"), 100)
	require.False(t, ok)
}

func TestStore_CompactDropsShadowedVersions(t *testing.T) {
	s := New()
	apply(t, s, 1, 100, put("a", "v1"))
	apply(t, s, 2, 200, put("a", "v2"))
	apply(t, s, 3, 300, put("a", "v3"))

	removed := s.Compact(250)
	require.Equal(t, 1, removed, "only v1 is shadowed at floor 250")

	// The version visible at the floor survives.
	got, ok := s.Get([]byte("a"), 250)
	require.True(t, ok)
	require.Equal(t, "v2", string(got))

	got, ok = s.Get([]byte("a"), 400)
	require.True(t, ok)
	require.Equal(t, "v3", string(got))
}

func TestStore_CompactRespectsPinnedSnapshot(t *testing.T) {
	s := New()
	apply(t, s, 1, 100, put("a", "v1"))
	apply(t, s, 2, 200, put("a", "v2"))
	apply(t, s, 3, 300, put("a", "v3"))

	s.Pin(150)
	defer s.Unpin(150)

	s.Compact(400)

	// The snapshot at 150 still sees v1.
	got, ok := s.Get([]byte("a"), 150)
	require.True(t, ok)
	require.Equal(t, "v1", string(got))
}

func TestStore_CompactCollectsDeadTombstones(t *testing.T) {
	s := New()
	apply(t, s, 1, 100, put("a", "v1"))
	apply(t, s, 2, 200, del("a"))

	removed := s.Compact(300)
	require.Equal(t, 2, removed, "value and its tombstone are both dead")
	require.Equal(t, 0, s.Len())

	_, ok := s.Get([]byte("a"), 400)
	require.False(t, ok)
}
