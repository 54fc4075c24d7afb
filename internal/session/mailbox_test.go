package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxResolve(t *testing.T) {
	var m Mailbox[string]
	ticket := m.Put("get:rate")

	key, ok := m.Pending()
	require.True(t, ok)
	assert.Equal(t, "get:rate", key)

	assert.False(t, m.Resolve(func(k string) bool { return k == "get:name" }, "x"), "a mismatched key MUST NOT resolve")
	assert.True(t, m.Resolve(func(k string) bool { return strings.HasPrefix(k, "get:") }, "100"))
	assert.False(t, m.Resolve(nil, "again"), "an occupant MUST be settled once")

	v, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100", v)

	_, ok = m.Pending()
	assert.False(t, ok)
}

func TestMailboxSupersede(t *testing.T) {
	var m Mailbox[int]
	first := m.Put("a")
	second := m.Put("b")

	_, err := first.Wait(context.Background())
	assert.ErrorIs(t, err, ErrSuperseded)

	require.True(t, m.Resolve(nil, 7))
	v, err := second.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestMailboxReject(t *testing.T) {
	var m Mailbox[int]
	assert.False(t, m.Reject(errors.New("nobody")), "rejecting an empty mailbox MUST report false")

	ticket := m.Put("a")
	boom := errors.New("boom")
	assert.True(t, m.Reject(boom))

	_, err := ticket.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestMailboxWaitExpiryClearsSlot(t *testing.T) {
	var m Mailbox[int]
	ticket := m.Put("a")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ticket.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := m.Pending()
	assert.False(t, ok, "an expired wait MUST clear the slot")
	assert.False(t, m.Resolve(nil, 1), "a late response MUST NOT resolve an abandoned request")
}

func TestMailboxCancelOnlyOwnSlot(t *testing.T) {
	var m Mailbox[int]
	first := m.Put("a")
	m.Put("b")

	assert.False(t, first.Cancel(), "a superseded ticket MUST NOT clear its successor")
	key, ok := m.Pending()
	require.True(t, ok)
	assert.Equal(t, "b", key)
	assert.Equal(t, "a", first.Key())
}
