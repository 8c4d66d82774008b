package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxdesk/relay/internal/protocol"
)

// S2 (drop under backpressure): a viewer that doesn't read while its
// producer streams never blocks the producer, and once the viewer starts
// reading it sees a strictly increasing, gap-tolerant sequence of frame
// numbers (some intermediate frames dropped under the per-monitor
// drop-oldest policy, §4.6) rather than an unbounded backlog.
func TestDropUnderBackpressure(t *testing.T) {
	cat, store, b := newSharedBackends()
	in := newInstance(t, cat, store, b, true)
	defer in.close()

	producer := dialProducer(t, in, "prod-2", "desk-2", []protocol.Monitor{{Index: 0, Name: "monitor_0"}})
	defer producer.Close()
	viewer := dialViewer(t, in)
	defer viewer.Close()

	require.NoError(t, viewer.WriteJSON(protocol.SubscribeMsg{
		Type:       protocol.TypeSubscribe,
		ProducerID: "prod-2",
		MonitorID:  "monitor_0",
	}))
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

	// Confirm producer sending never stalls waiting on a slow viewer: a
	// heartbeat round-trips promptly even though the viewer hasn't read a
	// single frame yet.
	require.NoError(t, producer.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: protocol.TypeHeartbeat}))
	readType(t, producer, protocol.TypeHeartbeatAck)

	var got []uint64
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		viewer.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var msg protocol.FrameOutMsg
		if err := viewer.ReadJSON(&msg); err != nil {
			break
		}
		got = append(got, msg.FrameNumber)
	}

	require.NotEmpty(t, got, "viewer must eventually receive at least some frames")
	require.LessOrEqual(t, len(got), total)
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1], "frame numbers must never arrive out of order")
	}
	require.Equal(t, uint64(total), got[len(got)-1], "the newest frame must survive a drop-oldest overflow, never be the one dropped")
}
