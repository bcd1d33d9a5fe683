package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildInMemoryBus(t *testing.T) {
	bus, err := Build(Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	require.NotNil(t, bus.Publisher)
	require.NotNil(t, bus.Subscriber)
}

func TestPrepareTopicNoopOnInMemoryTransport(t *testing.T) {
	bus, err := Build(Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	require.NoError(t, bus.PrepareTopic(context.Background(), "chat:c1"))
}

func TestBusCloseNilSafe(t *testing.T) {
	var bus *Bus
	require.NoError(t, bus.Close())
	require.NoError(t, bus.PrepareTopic(context.Background(), "chat:c1"))
}
