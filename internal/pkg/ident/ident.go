// Package ident generates human-shareable identifiers for deals and
// redeem codes.
package ident

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
)

const (
	// charset is uppercase letters and digits, easy to read back over chat.
	charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// SuffixLength is the number of random characters after the prefix.
	SuffixLength = 5

	// maxAttempts bounds collision re-rolls against the store.
	maxAttempts = 10
)

// ExistsFunc reports whether an id is already taken in its namespace.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

// Generator produces prefixed random identifiers.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a Generator seeded from the given source.
func New(seed int64) *Generator {
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

// Next returns prefix + SuffixLength random charset characters.
// Uniqueness is not guaranteed; use NextUnique when a store is involved.
func (g *Generator) Next(prefix string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	g.mu.Lock()
	for i := 0; i < SuffixLength; i++ {
		sb.WriteByte(charset[g.rnd.Intn(len(charset))])
	}
	g.mu.Unlock()
	return sb.String()
}

// NextUnique generates an id and re-rolls while exists reports a
// collision, up to maxAttempts.
func (g *Generator) NextUnique(ctx context.Context, prefix string, exists ExistsFunc) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		id := g.Next(prefix)
		taken, err := exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check id collision: %w", err)
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique id with prefix %q after %d attempts", prefix, maxAttempts)
}
