package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/durablemcp/durablemcp/state"
)

func TestStore_Scalars(t *testing.T) {
	ctx := context.Background()
	store := New()

	_, ok, err := store.Get(ctx, "missing")
	assert.Nil(t, err)
	assert.False(t, ok)

	assert.Nil(t, store.Set(ctx, "k", []byte("v1")))
	value, ok, err := store.Get(ctx, "k")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), value)

	stored, err := store.SetNX(ctx, "k", []byte("v2"))
	assert.Nil(t, err)
	assert.False(t, stored)

	stored, err = store.SetNX(ctx, "k2", []byte("v2"))
	assert.Nil(t, err)
	assert.True(t, stored)
}

func TestStore_AppendOrder(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, item := range []string{"a", "b", "c"} {
		assert.Nil(t, store.Append(ctx, "list", []byte(item)))
	}
	values, err := store.Values(ctx, "list")
	assert.Nil(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, values)

	empty, err := store.Values(ctx, "other")
	assert.Nil(t, err)
	assert.Equal(t, 0, len(empty))
}

func TestStore_Hash(t *testing.T) {
	ctx := context.Background()
	store := New()
	assert.Nil(t, store.HSet(ctx, "h", "f1", []byte("1")))
	assert.Nil(t, store.HSet(ctx, "h", "f2", []byte("2")))

	value, ok, err := store.HGet(ctx, "h", "f1")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), value)

	_, ok, err = store.HGet(ctx, "h", "f3")
	assert.Nil(t, err)
	assert.False(t, ok)

	all, err := store.HGetAll(ctx, "h")
	assert.Nil(t, err)
	assert.Equal(t, map[string][]byte{"f1": []byte("1"), "f2": []byte("2")}, all)

	assert.Nil(t, store.HDel(ctx, "h", "f1"))
	assert.Nil(t, store.HDel(ctx, "h", "absent"))
	_, ok, err = store.HGet(ctx, "h", "f1")
	assert.Nil(t, err)
	assert.False(t, ok)

	stored, err := store.HSetNX(ctx, "h", "f2", []byte("22"))
	assert.Nil(t, err)
	assert.False(t, stored)
	stored, err = store.HSetNX(ctx, "h", "f1", []byte("1"))
	assert.Nil(t, err)
	assert.True(t, stored)
	value, ok, err = store.HGet(ctx, "h", "f2")
	assert.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("2"), value)
}

func TestStore_Watch(t *testing.T) {
	ctx := context.Background()
	store := New()
	signal, cancel, err := store.Watch(ctx, "list")
	assert.Nil(t, err)
	defer cancel()

	assert.Nil(t, store.Append(ctx, "list", []byte("a")))
	select {
	case <-signal:
	default:
		t.Fatal("expected watch signal after append")
	}

	// Coalesced: two appends while nobody drains still leaves one signal.
	assert.Nil(t, store.Append(ctx, "list", []byte("b")))
	assert.Nil(t, store.Append(ctx, "list", []byte("c")))
	select {
	case <-signal:
	default:
		t.Fatal("expected watch signal after appends")
	}
	select {
	case <-signal:
		t.Fatal("expected coalesced signal")
	default:
	}
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := New()
	assert.Nil(t, store.Close())
	err := store.Set(ctx, "k", []byte("v"))
	assert.Equal(t, state.ErrClosed, err)
}

func TestIdempotently(t *testing.T) {
	ctx := context.Background()
	store := New()
	first, err := state.Idempotently(ctx, store, "wf/step")
	assert.Nil(t, err)
	assert.True(t, first)
	second, err := state.Idempotently(ctx, store, "wf/step")
	assert.Nil(t, err)
	assert.False(t, second)
}
