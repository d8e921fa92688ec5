package bootstrap

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superiorsd10/rubberduck-mcp/internal/config"
	"github.com/superiorsd10/rubberduck-mcp/public/client"
)

// freePort reserves an ephemeral port and releases it for the test to bind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testBrokerConfig(port int) config.BrokerConfig {
	cfg := config.Default().Broker
	cfg.Port = port
	return cfg
}

func TestEnsure_SpawnsThenAttaches(t *testing.T) {
	port := freePort(t)

	owner, err := Ensure(Options{
		Broker: testBrokerConfig(port),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer owner.Stop()

	assert.Equal(t, ModeOwner, owner.Mode())
	assert.NotEmpty(t, owner.Addr())

	// A second Ensure against the same port must find the running broker.
	attached, err := Ensure(Options{
		Broker: testBrokerConfig(port),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, ModeAttached, attached.Mode())
	assert.Equal(t, owner.Addr(), attached.Addr())

	// Stop on an attached handle must not take the broker down.
	attached.Stop()
	c := client.New(client.Options{
		Addr:           owner.Addr(),
		Role:           client.RoleProducer,
		ConnectTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, c.Connect())
	c.Close()
}

func TestEnsure_OwnerStopFreesThePort(t *testing.T) {
	port := freePort(t)

	owner, err := Ensure(Options{
		Broker: testBrokerConfig(port),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Equal(t, ModeOwner, owner.Mode())

	owner.Stop()
	owner.Stop() // idempotent

	// The port must be bindable again once the owner released it.
	require.Eventually(t, func() bool {
		ln, err := net.Listen("tcp", owner.Addr())
		if err != nil {
			return false
		}
		ln.Close()
		return true
	}, 2*time.Second, 50*time.Millisecond, "port still held after Stop")
}

func TestEnsure_SpawnedBrokerServesClients(t *testing.T) {
	owner, err := Ensure(Options{
		Broker: testBrokerConfig(freePort(t)),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	defer owner.Stop()

	producer := client.New(client.Options{
		Addr:           owner.Addr(),
		ClientID:       "mcp-server-boot",
		Role:           client.RoleProducer,
		ConnectTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, producer.Connect())
	defer producer.Close()

	// No consumer is attached, so the broker must answer with the routing
	// failure immediately.
	_, err = producer.Clarify("anyone home?", "", "", time.Second)
	require.ErrorIs(t, err, client.ErrNoConsumers)
}

func TestEnsure_ReportsUnreachableAndUnbindable(t *testing.T) {
	// Hold the port with a plain listener that is not a broker: probe sees
	// it as reachable, Ensure attaches. This mirrors the trust model: the
	// probe checks reachability, not protocol.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	b, err := Ensure(Options{
		Broker: testBrokerConfig(port),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, ModeAttached, b.Mode())
}
