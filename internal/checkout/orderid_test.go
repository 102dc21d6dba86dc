package checkout

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orderIDRe = regexp.MustCompile(`^beato-\d{13}-[0-9a-z]{6}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID("beato")
	assert.Regexp(t, orderIDRe, id)
	assert.True(t, strings.HasPrefix(id, "beato-"))
}

func TestNewIDCollisionResistance(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := NewID("beato")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s after %d draws", id, i)
		seen[id] = struct{}{}
	}
}
