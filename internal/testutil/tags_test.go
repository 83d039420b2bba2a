package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagSource_Sequential(t *testing.T) {
	s := NewTagSource("node-a")

	assert.Equal(t, "node-a-000001", s.Next())
	assert.Equal(t, "node-a-000002", s.Next())
	assert.Equal(t, "node-a-000003", s.Next())
}

func TestTagSource_PrefixesKeepSourcesDisjoint(t *testing.T) {
	a := NewTagSource("a")
	b := NewTagSource("b")

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		for _, tag := range []string{a.Next(), b.Next()} {
			assert.False(t, seen[tag], "tag %q minted twice", tag)
			seen[tag] = true
		}
	}
}
