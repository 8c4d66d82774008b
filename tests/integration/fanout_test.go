package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxdesk/relay/internal/protocol"
)

// S1 (solo fan-out): a producer registered with one monitor streams frames
// to a single subscribed viewer, which receives them in order.
func TestSoloFanOut(t *testing.T) {
	cat, store, b := newSharedBackends()
	in := newInstance(t, cat, store, b, true)
	defer in.close()

	producer := dialProducer(t, in, "prod-1", "desk-1", []protocol.Monitor{{Index: 0, Name: "monitor_0"}})
	defer producer.Close()
	viewer := dialViewer(t, in)
	defer viewer.Close()

	require.NoError(t, viewer.WriteJSON(protocol.SubscribeMsg{
		Type:       protocol.TypeSubscribe,
		ProducerID: "prod-1",
		MonitorID:  "monitor_0",
	}))
	// Subscribe has no ack; give the viewer goroutine time to record it
	// before the producer starts streaming.
	time.Sleep(50 * time.Millisecond)

	const total = 100
	for i := uint64(1); i <= total; i++ {
		require.NoError(t, producer.WriteJSON(protocol.FrameDataMsg{
			Type:        protocol.TypeFrameData,
			FrameData:   "aGVsbG8=",
			MonitorID:   "monitor_0",
			FrameNumber: i,
			Metadata:    protocol.FrameMetadata{Width: 1, Height: 1, Format: "jpeg"},
		}))
	}

	var got []uint64
	for uint64(len(got)) < total {
		var msg protocol.FrameOutMsg
		viewer.SetReadDeadline(time.Now().Add(5 * time.Second))
		require.NoError(t, viewer.ReadJSON(&msg))
		require.Equal(t, protocol.TypeFrameData, msg.Type)
		got = append(got, msg.FrameNumber)
	}

	for i, n := range got {
		require.Equal(t, uint64(i+1), n, "frames must arrive in order")
	}
}
