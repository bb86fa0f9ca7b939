package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusAwaitingAuthorization, StatusAuthorized},
		{StatusAwaitingAuthorization, StatusAuthorizationFailed},
		{StatusAuthorized, StatusOrderCreated},
		{StatusAuthorized, StatusCompensating},
		{StatusOrderCreated, StatusInventoryReserved},
		{StatusOrderCreated, StatusCompensating},
		{StatusInventoryReserved, StatusPaymentCaptured},
		{StatusInventoryReserved, StatusCompensating},
		{StatusPaymentCaptured, StatusCompleted},
		{StatusPaymentCaptured, StatusCompensating},
		{StatusCompensating, StatusFailed},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to Status }{
		{StatusAwaitingAuthorization, StatusOrderCreated},
		{StatusAuthorized, StatusCompleted},
		{StatusOrderCreated, StatusAuthorized},
		{StatusCompleted, StatusCompensating},
		{StatusFailed, StatusAuthorized},
		{StatusAuthorizationFailed, StatusAuthorized},
		{StatusCompensating, StatusCompleted},
		{StatusPaymentCaptured, StatusOrderCreated},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusAuthorizationFailed} {
		assert.True(t, IsTerminal(s), "%s should be terminal", s)
	}
	for _, s := range []Status{StatusAwaitingAuthorization, StatusAuthorized, StatusOrderCreated,
		StatusInventoryReserved, StatusPaymentCaptured, StatusCompensating} {
		assert.False(t, IsTerminal(s), "%s should not be terminal", s)
	}
}

func TestSourcesOf(t *testing.T) {
	assert.ElementsMatch(t,
		[]Status{StatusAuthorized, StatusOrderCreated, StatusInventoryReserved, StatusPaymentCaptured},
		SourcesOf(StatusCompensating))

	assert.ElementsMatch(t, []Status{StatusCompensating}, SourcesOf(StatusFailed))
	assert.ElementsMatch(t, []Status{StatusPaymentCaptured}, SourcesOf(StatusCompleted))
	assert.Empty(t, SourcesOf(StatusAwaitingAuthorization))
}
