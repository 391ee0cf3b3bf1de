package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifier/pkg/models"
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

func openMem(t *testing.T, clock *fakeClock) *PebbleKV {
	t.Helper()
	kv, err := Open("mem-db", Options{InMemory: true, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestPebbleKV(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	t.Run("SetGetOverwrite", func(t *testing.T) {
		kv := openMem(t, clock)
		require.NoError(t, kv.Set(ctx, "ns", "a", []byte("one"), 0))
		require.NoError(t, kv.Set(ctx, "ns", "a", []byte("two"), 0))
		v, err := kv.Get(ctx, "ns", "a")
		require.NoError(t, err)
		assert.Equal(t, "two", string(v))

		_, err = kv.Get(ctx, "ns", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("NamespacesAreIsolated", func(t *testing.T) {
		kv := openMem(t, clock)
		require.NoError(t, kv.Set(ctx, "ns", "k", []byte("1"), 0))
		require.NoError(t, kv.Set(ctx, "ns2", "k", []byte("2"), 0))
		require.NoError(t, kv.Set(ctx, "n", "k", []byte("3"), 0))

		var keys []string
		require.NoError(t, kv.ForEach(ctx, "ns", func(key string, value []byte) error {
			keys = append(keys, key+"="+string(value))
			return nil
		}))
		assert.Equal(t, []string{"k=1"}, keys)
	})

	t.Run("ExpiredEntriesAreHidden", func(t *testing.T) {
		kv := openMem(t, clock)
		require.NoError(t, kv.Set(ctx, "ns", "short", []byte("x"), time.Minute))
		require.NoError(t, kv.Set(ctx, "ns", "long", []byte("y"), time.Hour))
		require.NoError(t, kv.Set(ctx, "ns", "forever", []byte("z"), 0))

		clock.Advance(2 * time.Minute)
		_, err := kv.Get(ctx, "ns", "short")
		assert.ErrorIs(t, err, ErrNotFound)

		var seen []string
		require.NoError(t, kv.ForEach(ctx, "ns", func(key string, _ []byte) error {
			seen = append(seen, key)
			return nil
		}))
		assert.ElementsMatch(t, []string{"long", "forever"}, seen)

		clock.Advance(2 * time.Hour)
		n, err := kv.Sweep(ctx, "ns")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		v, err := kv.Get(ctx, "ns", "forever")
		require.NoError(t, err)
		assert.Equal(t, "z", string(v))
	})

	t.Run("ClosedStore", func(t *testing.T) {
		kv := openMem(t, clock)
		require.NoError(t, kv.Close())
		assert.False(t, kv.Ready())
		assert.ErrorIs(t, kv.Set(ctx, "ns", "k", nil, 0), ErrClosed)
	})
}

func TestRequests(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	kv := openMem(t, clock)
	repo := NewRequests(kv, clock.Now)

	rec := &models.Record{
		Type:      models.RequestContact,
		Timestamp: clock.Now(),
		Status:    models.StatusPending,
		Snapshot:  models.Snapshot{AccountID: "bot-a", RequesterID: "u1", MessageID: "m1"},
		ExpiresAt: clock.Now().Add(30 * 24 * time.Hour),
	}

	t.Run("UpsertKeepsOneEntryPerIdentity", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, rec))
		again := *rec
		again.Status = models.StatusProcessing
		require.NoError(t, repo.Put(ctx, &again))

		all, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, models.StatusProcessing, all[0].Status)

		got, err := repo.Get(ctx, rec.ID())
		require.NoError(t, err)
		assert.Equal(t, "u1", got.Snapshot.RequesterID)
	})

	t.Run("SameMessageDifferentTypeIsDistinct", func(t *testing.T) {
		other := *rec
		other.Type = models.RequestGroupJoin
		require.NoError(t, repo.Put(ctx, &other))
		all, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("RejectsInvalidRecords", func(t *testing.T) {
		bad := *rec
		bad.Snapshot.MessageID = ""
		assert.Error(t, repo.Put(ctx, &bad))

		bad = *rec
		bad.Status = "failed"
		assert.Error(t, repo.Put(ctx, &bad))

		bad = *rec
		bad.ExpiresAt = clock.Now().Add(-time.Second)
		assert.ErrorIs(t, repo.Put(ctx, &bad), ErrExpired)
	})

	t.Run("ExpiryFollowsRecord", func(t *testing.T) {
		clock.Advance(31 * 24 * time.Hour)
		_, err := repo.Get(ctx, rec.ID())
		assert.True(t, IsNotFound(err))
		all, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestPrincipals(t *testing.T) {
	ctx := context.Background()
	kv := openMem(t, &fakeClock{t: time.Now()})
	p := NewPrincipals(kv, 1)

	n, err := p.Authority(ctx, "discord", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, p.SetAuthority(ctx, "discord", "u1", 4))
	n, err = p.Authority(ctx, "discord", "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = p.Authority(ctx, "telegram", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "platforms do not share users")

	a, err := p.Assignee(ctx, "discord", "c1")
	require.NoError(t, err)
	assert.Empty(t, a)
	require.NoError(t, p.SetAssignee(ctx, "discord", "c1", "bot-a"))
	a, err = p.Assignee(ctx, "discord", "c1")
	require.NoError(t, err)
	assert.Equal(t, "bot-a", a)
}

func TestEnsureSchema(t *testing.T) {
	ctx := context.Background()
	db := openMem(t, &fakeClock{t: time.Unix(1_700_000_000, 0)})

	wrote, err := EnsureSchema(ctx, db)
	require.NoError(t, err)
	assert.True(t, wrote, "fresh store is stamped")

	wrote, err = EnsureSchema(ctx, db)
	require.NoError(t, err)
	assert.False(t, wrote)

	require.NoError(t, db.Set(ctx, SystemNamespace, schemaVersionKey, []byte("99"), 0))
	_, err = EnsureSchema(ctx, db)
	assert.ErrorIs(t, err, ErrSchemaTooNew)

	require.NoError(t, db.Set(ctx, SystemNamespace, schemaVersionKey, []byte("x"), 0))
	_, err = EnsureSchema(ctx, db)
	assert.Error(t, err)
}

func TestEnsureSchemaRunsMigrations(t *testing.T) {
	ctx := context.Background()
	db := openMem(t, &fakeClock{t: time.Unix(1_700_000_000, 0)})
	require.NoError(t, db.Set(ctx, SystemNamespace, schemaVersionKey, []byte("0"), 0))

	var ran []int
	migrations[1] = func(ctx context.Context, kv KV) error {
		ran = append(ran, 1)
		return kv.Set(ctx, "verifier:test", "migrated", []byte("yes"), 0)
	}
	t.Cleanup(func() { delete(migrations, 1) })

	wrote, err := EnsureSchema(ctx, db)
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, []int{1}, ran)

	v, found, err := storedSchema(ctx, db)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, CurrentSchema, v)

	marker, err := db.Get(ctx, SystemNamespace, migrationKey)
	require.NoError(t, err)
	assert.Empty(t, marker)
}
