package integration

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fluxdesk/relay/internal/catalog"
	"github.com/fluxdesk/relay/internal/commandstore"
	"github.com/fluxdesk/relay/internal/janitor"
	"github.com/fluxdesk/relay/internal/protocol"
	"github.com/fluxdesk/relay/internal/relayid"
)

// S6 (command expiration): a command routed at a producer that never picks
// it up (simulating a crashed desktop agent with a catalog row but no live
// socket anywhere) must eventually transition to failed/expired, and the
// issuing viewer must receive an explicit command_timeout — the Janitor TTL
// watcher's half of §4.7's "viewers always receive either a command_result
// ... or an explicit command_timeout" guarantee.
func TestCommandExpirationNotifiesViewer(t *testing.T) {
	ctx := context.Background()
	cat, store, b := newSharedBackends()
	// subscribeToBus=false: nothing in this single process ever acts on
	// the routed control.command (every simulated instance shares one
	// relayid.InstanceID(), so a subscribed instance would immediately
	// self-deliver and fail the command as producer_not_connected rather
	// than leaving it pending for the TTL watcher to expire).
	instA := newInstance(t, cat, store, b, false)
	defer instA.close()

	// "ghost-1" has a catalog row (so routing doesn't short-circuit on
	// producer_unknown) but no Producer Session is ever dialed for it,
	// simulating a desktop agent that crashed after registering.
	require.NoError(t, cat.Register(ctx, catalog.ProducerRecord{ProducerID: "ghost-1", OwningInstanceID: relayid.InstanceID()}))

	viewer := dialViewer(t, instA)
	defer viewer.Close()

	require.NoError(t, viewer.WriteJSON(map[string]any{
		"type":            protocol.TypeMouseClick,
		"desktopClientId": "ghost-1",
		"params":          map[string]any{"x": 1, "y": 1},
	}))
	ack := readType(t, viewer, protocol.TypeCommandAck)
	commandID, _ := ack["commandId"].(string)
	require.NotEmpty(t, commandID)

	rec, ok, err := store.Get(ctx, commandID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, commandstore.StatusPending, rec.Status)

	// Force immediate expiry deterministically rather than waiting out the
	// real 15s one-shot TTL: a zero one-shot TTL makes the first Janitor
	// sweep expire every pending one-shot row.
	jan := janitor.New(instA.reg, cat, store, b, clockwork.NewRealClock(), janitor.Config{
		Period:           time.Hour,
		HeartbeatTimeout: time.Hour,
		GraceWindow:      time.Hour,
		StreamingTTL:     time.Hour,
		OneShotTTL:       0,
	})
	jan.Sweep(ctx)

	rec, ok, err = store.Get(ctx, commandID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, commandstore.StatusFailed, rec.Status)
	require.Equal(t, "expired", rec.ErrorMessage)

	timeout := readType(t, viewer, protocol.TypeCommandTimeout)
	require.Equal(t, commandID, timeout["commandId"])
}
