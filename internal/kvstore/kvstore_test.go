package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "cost/samples", []byte(`[1,2,3]`)))
	v, ok, err := s.Get(ctx, "cost/samples")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[1,2,3]`, string(v))

	require.NoError(t, s.Set(ctx, "cost/samples", []byte(`[]`)))
	v, _, err = s.Get(ctx, "cost/samples")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(v))

	require.NoError(t, s.Clear(ctx, "cost/samples"))
	_, ok, err = s.Get(ctx, "cost/samples")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Clear(ctx, "never-set"))

	_, _, err = s.Get(ctx, " ")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	storeContract(t, s)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Set(context.Background(), "k", nil), ErrClosed)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'z'

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	storeContract(t, s)
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "cost/alert-state", []byte(`{"daily":"x"}`)))

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	v, ok, err := s2.Get(ctx, "cost/alert-state")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"daily":"x"}`, string(v))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	storeContract(t, s)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s := NewRedisStore(client, "telemetryd:")
	storeContract(t, s)

	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	got, err := mr.Get("telemetryd:k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	tests := []struct {
		name string
		url  string
		want interface{}
	}{
		{"empty", "", &MemoryStore{}},
		{"memory", "memory://", &MemoryStore{}},
		{"file", "file://" + filepath.Join(t.TempDir(), "files"), &FileStore{}},
		{"sqlite", "sqlite://" + filepath.Join(t.TempDir(), "kv.db"), &SQLiteStore{}},
		{"redis", "redis://" + mr.Addr() + "/0?prefix=tc:", &RedisStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(ctx, tt.url)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			assert.IsType(t, tt.want, s)
		})
	}

	_, err := Open(ctx, "s3://bucket")
	assert.Error(t, err)
}

func TestOpenRedisAppliesPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), "redis://"+mr.Addr()+"/0?prefix=tc:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Set(context.Background(), "a", []byte("1")))
	assert.True(t, mr.Exists("tc:a"))
}
