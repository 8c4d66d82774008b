package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxdesk/relay/internal/protocol"
)

// S5 (duplicate handshake): the same producer_id reconnects to a different
// instance before the first connection is torn down. The Catalog's upsert
// semantics (§4.1) mean the second handshake simply overwrites the first
// row's owning_instance_id rather than creating a second entry — a viewer's
// list_producers must see exactly one record for it either way.
func TestDuplicateHandshake(t *testing.T) {
	cat, store, b := newSharedBackends()
	instA := newInstance(t, cat, store, b, true)
	defer instA.close()
	instB := newInstance(t, cat, store, b, true)
	defer instB.close()

	producerA := dialProducer(t, instA, "prod-5", "desk-5", nil)
	defer producerA.Close()

	producerB := dialProducer(t, instB, "prod-5", "desk-5", nil)
	defer producerB.Close()

	viewer := dialViewer(t, instA)
	defer viewer.Close()

	require.NoError(t, viewer.WriteJSON(protocol.PollCommandsMsg{Type: protocol.TypeListProducers}))
	resp := readType(t, viewer, protocol.TypeProducerList)
	producers, _ := resp["producers"].([]any)
	require.Len(t, producers, 1, "the catalog must carry exactly one entry for a reconnecting producer_id")

	require.Eventually(t, func() bool {
		_, ok := instB.reg.Producer("prod-5")
		return ok
	}, time.Second, 10*time.Millisecond, "the second handshake's instance must hold the local handle")
}
