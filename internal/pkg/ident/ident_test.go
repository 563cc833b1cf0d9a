package ident

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_Shape(t *testing.T) {
	g := New(1)

	id := g.Next("OGESC-")
	assert.True(t, strings.HasPrefix(id, "OGESC-"))
	assert.Len(t, id, len("OGESC-")+SuffixLength)

	for _, r := range id[len("OGESC-"):] {
		assert.Contains(t, charset, string(r))
	}
}

func TestNext_DistinctAcrossCalls(t *testing.T) {
	g := New(42)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		seen[g.Next("OGRDM-")] = true
	}
	// 36^5 combinations; 1000 draws colliding would indicate a broken
	// generator rather than bad luck.
	assert.Greater(t, len(seen), 990)
}

func TestNextUnique_RerollsOnCollision(t *testing.T) {
	g := New(7)
	ctx := context.Background()

	first := g.Next("OGESC-")
	g = New(7) // replay the same sequence

	calls := 0
	exists := func(ctx context.Context, id string) (bool, error) {
		calls++
		return id == first, nil
	}

	id, err := g.NextUnique(ctx, "OGESC-", exists)
	require.NoError(t, err)
	assert.NotEqual(t, first, id)
	assert.Equal(t, 2, calls)
}

func TestNextUnique_ExhaustsAttempts(t *testing.T) {
	g := New(7)
	ctx := context.Background()

	exists := func(ctx context.Context, id string) (bool, error) {
		return true, nil
	}

	_, err := g.NextUnique(ctx, "OGESC-", exists)
	assert.Error(t, err)
}

func TestNextUnique_PropagatesStoreError(t *testing.T) {
	g := New(7)
	ctx := context.Background()

	storeErr := errors.New("connection refused")
	exists := func(ctx context.Context, id string) (bool, error) {
		return false, storeErr
	}

	_, err := g.NextUnique(ctx, "OGESC-", exists)
	assert.ErrorIs(t, err, storeErr)
}
