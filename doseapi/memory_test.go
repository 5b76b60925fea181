package doseapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_DoesNotAliasCallerMaps(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	doc := map[string]any{"id": "r1", "notes": "original"}
	saved, err := s.Upsert(ctx, "u1", "injections", "r1", doc)
	require.NoError(t, err)

	doc["notes"] = "mutated after store"
	saved["notes"] = "mutated result"

	got, err := s.Get(ctx, "u1", "injections", "r1")
	require.NoError(t, err)
	require.Equal(t, "original", got["notes"])
}

func TestMemoryStorage_GetMissing(t *testing.T) {
	s := NewMemoryStorage()
	_, err := s.Get(context.Background(), "u1", "injections", "nope")
	require.ErrorIs(t, err, ErrRecordNotFound)

	err = s.Delete(context.Background(), "u1", "injections", "nope")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryStorage_ListSortedByID(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		_, err := s.Upsert(ctx, "u1", "weights", id, map[string]any{"id": id})
		require.NoError(t, err)
	}

	docs, err := s.List(ctx, "u1", "weights")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	require.Equal(t, "a", docs[0]["id"])
	require.Equal(t, "b", docs[1]["id"])
	require.Equal(t, "c", docs[2]["id"])
}
