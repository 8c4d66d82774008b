package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryBusFanOutToAllSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	var gotA, gotB CommandEnvelope
	require.NoError(t, b.Subscribe(ctx, Handlers{OnCommand: func(e CommandEnvelope) { gotA = e }}))
	require.NoError(t, b.Subscribe(ctx, Handlers{OnCommand: func(e CommandEnvelope) { gotB = e }}))

	require.NoError(t, b.PublishCommand(ctx, CommandEnvelope{CommandID: "c1", ProducerID: "p1"}))

	require.Equal(t, "c1", gotA.CommandID)
	require.Equal(t, "c1", gotB.CommandID)
}

func TestMemoryBusNilHandlersIgnored(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()
	require.NoError(t, b.Subscribe(ctx, Handlers{}))
	require.NoError(t, b.PublishFrameData(ctx, FrameDataEnvelope{ProducerID: "p1"}))
}

func TestMemoryBusCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	called := false
	require.NoError(t, b.Subscribe(ctx, Handlers{OnCatalogChanged: func(CatalogChangedEnvelope) { called = true }}))
	require.NoError(t, b.Close())
	require.NoError(t, b.PublishCatalogChanged(ctx, CatalogChangedEnvelope{ProducerID: "p1"}))
	require.False(t, called)
}
