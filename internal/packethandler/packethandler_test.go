package packethandler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interfacesvc/internal/dictionary"
	"interfacesvc/internal/iface"
	"interfacesvc/internal/packet"
	"interfacesvc/internal/packethandler"
	"interfacesvc/internal/store"
)

type recordingStore struct {
	topics []string
	msgs   []map[string]any
	states int
}

func (r *recordingStore) ReceiveCommands(ctx context.Context, interfaceName, scope string) (<-chan store.CommandMessage, error) {
	return nil, errors.New("not used")
}

func (r *recordingStore) WriteTopic(ctx context.Context, topic string, msg map[string]any) error {
	r.topics = append(r.topics, topic)
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingStore) SetInterface(ctx context.Context, d *iface.Descriptor, scope string, initialize bool) error {
	r.states++
	return nil
}

func testDict() *dictionary.Memory {
	d := dictionary.NewMemory()
	d.Define(&dictionary.PacketDef{
		Target: "INST",
		Name:   "HEALTH_STATUS",
		ID:     0x0102,
		Items: []dictionary.ItemDef{
			{Name: "TEMP", Offset: 2},
		},
	})
	return d
}

func newHandler(d dictionary.Dictionary) (*packethandler.Handler, *recordingStore, *test.Hook) {
	desc := iface.NewDescriptor("INT1", []string{"INST"}, false, true, time.Second)
	log, hook := test.NewNullLogger()
	st := &recordingStore{}
	return packethandler.New(desc, d, st, "DEFAULT", log), st, hook
}

func TestHandleIdentifiesAndPublishes(t *testing.T) {
	d := testDict()
	h, st, _ := newHandler(d)

	pkt := packet.New([]byte{0x01, 0x02, 0x2A})
	require.NoError(t, h.Handle(context.Background(), pkt))

	require.Len(t, st.topics, 1)
	assert.Equal(t, "DEFAULT__TELEMETRY__INST__HEALTH_STATUS", st.topics[0])
	assert.Equal(t, 1, st.states)

	msg := st.msgs[0]
	assert.Equal(t, "INST", msg["target_name"])
	assert.Equal(t, "HEALTH_STATUS", msg["packet_name"])
	assert.Equal(t, uint64(1), msg["received_count"])
	assert.Equal(t, false, msg["stored"])
	assert.NotZero(t, msg["time"])

	cvt, ok := d.Current("INST", "HEALTH_STATUS")
	require.True(t, ok)
	v, err := cvt.Read("TEMP", packet.RAW)
	require.NoError(t, err)
	assert.EqualValues(t, 0x2A, v)
}

func TestHandleUnknownPacketPublishesUnknownWithHexPreview(t *testing.T) {
	d := testDict()
	h, st, hook := newHandler(d)

	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	require.NoError(t, h.Handle(context.Background(), packet.New(buf)))

	require.Len(t, st.topics, 1)
	assert.Equal(t, "DEFAULT__TELEMETRY__UNKNOWN__UNKNOWN", st.topics[0])

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			found = true
			assert.Contains(t, e.Message, "20 byte")
			assert.Contains(t, e.Message, "0102030405060708090A0B0C0D0E0F10")
		}
	}
	assert.True(t, found, "expected an error-level log for the unknown packet")
}

func TestHandleStoredPacketBypassesCVT(t *testing.T) {
	d := testDict()
	h, st, _ := newHandler(d)

	pkt := packet.New([]byte{0x01, 0x02, 0x07})
	pkt.Stored = true
	require.NoError(t, h.Handle(context.Background(), pkt))

	require.Len(t, st.topics, 1)
	assert.Equal(t, "DEFAULT__TELEMETRY__INST__HEALTH_STATUS", st.topics[0])
	assert.Equal(t, true, st.msgs[0]["stored"])

	_, ok := d.Current("INST", "HEALTH_STATUS")
	assert.False(t, ok, "stored packets must not write the current value table")
}

func TestHandlePreIdentifiedUnknownRetriesIdentify(t *testing.T) {
	d := testDict()
	h, st, _ := newHandler(d)

	// Pre-identified with names the dictionary rejects; the buffer still
	// matches a known schema, so re-identification succeeds.
	pkt := packet.New([]byte{0x01, 0x02, 0x05})
	pkt.TargetName = "INST"
	pkt.PacketName = "GONE"
	require.NoError(t, h.Handle(context.Background(), pkt))

	require.Len(t, st.topics, 1)
	assert.Equal(t, "DEFAULT__TELEMETRY__INST__HEALTH_STATUS", st.topics[0])
}

type failingDict struct {
	*dictionary.Memory
}

func (f *failingDict) Update(target, name string, buffer []byte) (*packet.Packet, error) {
	return nil, errors.New("redis gone")
}

func TestHandleUpdateFailurePropagates(t *testing.T) {
	h, _, _ := newHandler(&failingDict{testDict()})

	pkt := packet.New([]byte{0x01, 0x02, 0x05})
	pkt.TargetName = "INST"
	pkt.PacketName = "HEALTH_STATUS"
	err := h.Handle(context.Background(), pkt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis gone")
}

func TestHandlePreservesExistingReceivedTime(t *testing.T) {
	d := testDict()
	h, st, _ := newHandler(d)

	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pkt := packet.New([]byte{0x01, 0x02, 0x00})
	pkt.ReceivedTime = stamp
	require.NoError(t, h.Handle(context.Background(), pkt))

	require.Len(t, st.msgs, 1)
	assert.Equal(t, stamp.UnixNano(), st.msgs[0]["time"])
}
