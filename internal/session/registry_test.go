package session

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superiorsd10/rubberduck-mcp/internal/wire"
)

func testSession(t *testing.T, id string, role wire.Role) *Session {
	t.Helper()
	local, _ := net.Pipe()
	s := New(id, role, local, 4, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

func TestRegistry_AddAndLookup(t *testing.T) {
	r := NewRegistry()
	p1 := testSession(t, "producer-1", wire.RoleProducer)

	require.NoError(t, r.Add(p1))

	got, ok := r.Get("producer-1")
	require.True(t, ok)
	assert.Same(t, p1, got)

	producers, consumers := r.Counts()
	assert.Equal(t, 1, producers)
	assert.Equal(t, 0, consumers)
}

func TestRegistry_RejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(testSession(t, "cli-1", wire.RoleConsumer)))

	err := r.Add(testSession(t, "cli-1", wire.RoleConsumer))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestRegistry_ByRoleKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	c1 := testSession(t, "cli-1", wire.RoleConsumer)
	p1 := testSession(t, "producer-1", wire.RoleProducer)
	c2 := testSession(t, "cli-2", wire.RoleConsumer)

	require.NoError(t, r.Add(c1))
	require.NoError(t, r.Add(p1))
	require.NoError(t, r.Add(c2))

	consumers := r.ByRole(wire.RoleConsumer)
	require.Len(t, consumers, 2)
	assert.Equal(t, "cli-1", consumers[0].ID())
	assert.Equal(t, "cli-2", consumers[1].ID())

	producers := r.ByRole(wire.RoleProducer)
	require.Len(t, producers, 1)
	assert.Equal(t, "producer-1", producers[0].ID())
}

func TestRegistry_RemoveForgetsSession(t *testing.T) {
	r := NewRegistry()
	c1 := testSession(t, "cli-1", wire.RoleConsumer)
	require.NoError(t, r.Add(c1))

	removed := r.Remove("cli-1")
	assert.Same(t, c1, removed)
	assert.Nil(t, r.Remove("cli-1"))

	_, ok := r.Get("cli-1")
	assert.False(t, ok)
	assert.Empty(t, r.ByRole(wire.RoleConsumer))

	// The id is free for a new registration again.
	require.NoError(t, r.Add(testSession(t, "cli-1", wire.RoleConsumer)))
}
