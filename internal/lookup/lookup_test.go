package lookup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planarian/api/internal/cave"
)

type fakeResolver struct {
	mu    sync.Mutex
	names map[cave.LookupKind]map[string]string
	calls map[cave.LookupKind][][]string
	err   error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		names: map[cave.LookupKind]map[string]string{
			cave.LookupCounty: {"county-1": "Lee"},
			cave.LookupState:  {"state-1": "Virginia"},
			cave.LookupTag:    {"geo-1": "Limestone", "geo-2": "Dolomite", "lq-1": "Surveyed"},
		},
		calls: map[cave.LookupKind][][]string{},
	}
}

func (f *fakeResolver) LookupNames(_ context.Context, kind cave.LookupKind, ids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[kind] = append(f.calls[kind], append([]string(nil), ids...))
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, id := range ids {
		if name, ok := f.names[kind][id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

func (f *fakeResolver) callCount(kind cave.LookupKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[kind])
}

func TestPrefetchResolvesAllGraphs(t *testing.T) {
	resolver := newFakeResolver()
	original := &cave.Graph{
		ID: "cave-1", CountyID: "county-1", StateID: "state-1",
		GeologyTagIDs: []string{"geo-1"},
	}
	modified := &cave.Graph{
		ID: "cave-1", CountyID: "county-1", StateID: "state-1",
		GeologyTagIDs:        []string{"geo-2"},
		ReportedByNameTagIDs: []string{"Jane Doe"},
		Entrances:            []cave.Entrance{{ID: "ent-1", LocationQualityTagID: ptr("lq-1")}},
	}

	table, err := Prefetch(context.Background(), resolver, original, modified)
	require.NoError(t, err)

	name, ok := table.Name(cave.LookupTag, "geo-1")
	assert.True(t, ok)
	assert.Equal(t, "Limestone", name)
	name, _ = table.Name(cave.LookupTag, "lq-1")
	assert.Equal(t, "Surveyed", name)
	name, _ = table.Name(cave.LookupCounty, "county-1")
	assert.Equal(t, "Lee", name)

	_, ok = table.Name(cave.LookupTag, "Jane Doe")
	assert.False(t, ok, "literal names are not in the lookup")

	// Each ID is requested once across the tag batches.
	var tags []string
	for _, call := range resolver.calls[cave.LookupTag] {
		tags = append(tags, call...)
	}
	sort.Strings(tags)
	assert.Equal(t, []string{"Jane Doe", "geo-1", "geo-2", "lq-1"}, tags)
}

func TestPrefetchPropagatesResolverError(t *testing.T) {
	resolver := newFakeResolver()
	resolver.err = errors.New("db down")

	_, err := Prefetch(context.Background(), resolver, &cave.Graph{CountyID: "county-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestPrefetchWithNilGraph(t *testing.T) {
	table, err := Prefetch(context.Background(), newFakeResolver(), nil, &cave.Graph{StateID: "state-1"})
	require.NoError(t, err)
	name, ok := table.Name(cave.LookupState, "state-1")
	assert.True(t, ok)
	assert.Equal(t, "Virginia", name)
}

func TestTableAddAndNilSafety(t *testing.T) {
	table := NewTable()
	table.Add(cave.LookupTag, "tag-9", "Bob Smith")
	name, ok := table.Name(cave.LookupTag, "tag-9")
	assert.True(t, ok)
	assert.Equal(t, "Bob Smith", name)

	var empty *Table
	_, ok = empty.Name(cave.LookupTag, "tag-9")
	assert.False(t, ok)
}

func TestTableCloneIsIndependent(t *testing.T) {
	table := NewTable()
	table.Add(cave.LookupCounty, "county-1", "Lee")

	clone := table.Clone()
	clone.Add(cave.LookupCounty, "county-1", "Lee County")

	name, _ := table.Name(cave.LookupCounty, "county-1")
	assert.Equal(t, "Lee", name)
	name, _ = clone.Name(cave.LookupCounty, "county-1")
	assert.Equal(t, "Lee County", name)

	var empty *Table
	_, ok := empty.Clone().Name(cave.LookupCounty, "county-1")
	assert.False(t, ok)
}

func TestLoaderRejectsUnknownKind(t *testing.T) {
	loader := NewLoader(newFakeResolver(), time.Millisecond)
	_, err := loader.LoadNames(context.Background(), cave.LookupKind("planet"), []string{"x"})
	assert.Error(t, err)
}

func setupTestCache(t *testing.T, next Resolver) (*RedisCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+s.Addr(), next, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache, s
}

func TestRedisCacheReadThrough(t *testing.T) {
	resolver := newFakeResolver()
	cache, s := setupTestCache(t, resolver)
	ctx := context.Background()

	names, err := cache.LookupNames(ctx, cave.LookupTag, []string{"geo-1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"geo-1": "Limestone"}, names)
	assert.Equal(t, 1, resolver.callCount(cave.LookupTag))

	cached, err := s.Get("lookup:tag:geo-1")
	require.NoError(t, err)
	assert.Equal(t, "Limestone", cached)
	assert.False(t, s.Exists("lookup:tag:missing"))

	names, err = cache.LookupNames(ctx, cave.LookupTag, []string{"geo-1"})
	require.NoError(t, err)
	assert.Equal(t, "Limestone", names["geo-1"])
	assert.Equal(t, 1, resolver.callCount(cave.LookupTag), "second read served from redis")
}

func TestRedisCacheExpires(t *testing.T) {
	resolver := newFakeResolver()
	cache, s := setupTestCache(t, resolver)
	ctx := context.Background()

	_, err := cache.LookupNames(ctx, cave.LookupCounty, []string{"county-1"})
	require.NoError(t, err)
	s.FastForward(2 * time.Minute)

	_, err = cache.LookupNames(ctx, cave.LookupCounty, []string{"county-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, resolver.callCount(cave.LookupCounty))
}

func TestRedisCacheFallsBackWhenRedisIsDown(t *testing.T) {
	resolver := newFakeResolver()
	cache, s := setupTestCache(t, resolver)
	s.Close()

	names, err := cache.LookupNames(context.Background(), cave.LookupState, []string{"state-1"})
	require.NoError(t, err)
	assert.Equal(t, "Virginia", names["state-1"])
}

func TestRedisCachePropagatesResolverError(t *testing.T) {
	resolver := newFakeResolver()
	resolver.err = errors.New("boom")
	cache, _ := setupTestCache(t, resolver)

	_, err := cache.LookupNames(context.Background(), cave.LookupTag, []string{"geo-1"})
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
