package checkout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	for _, to := range []Status{StatusApproved, StatusDeclined, StatusExpired} {
		assert.True(t, CanTransition(StatusPending, to), "PENDING -> %s", to)
	}
	for _, from := range []Status{StatusApproved, StatusDeclined, StatusExpired} {
		for _, to := range []Status{StatusPending, StatusApproved, StatusDeclined, StatusExpired} {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusApproved.Terminal())
	assert.True(t, StatusDeclined.Terminal())
	assert.True(t, StatusExpired.Terminal())
}
