package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixTrade)
	assert.True(t, HasPrefix(id, PrefixTrade), "id %q should carry trade prefix", id)
	assert.Len(t, id, len(PrefixTrade)+32)
	assert.False(t, HasPrefix(id, PrefixOffer))
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix(PrefixHold)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestHasPrefix_RejectsMalformed(t *testing.T) {
	assert.False(t, HasPrefix("trd_nothex", PrefixTrade))
	assert.False(t, HasPrefix("", PrefixTrade))
}
