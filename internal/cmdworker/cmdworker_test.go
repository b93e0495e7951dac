package cmdworker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interfacesvc/internal/cmdworker"
	"interfacesvc/internal/dictionary"
	"interfacesvc/internal/exceptions"
	"interfacesvc/internal/iface"
	"interfacesvc/internal/link"
	"interfacesvc/internal/packet"
	"interfacesvc/internal/store"
	"interfacesvc/internal/supervisor"
)

type fakeLink struct {
	mu        sync.Mutex
	connected bool
	writes    [][]byte
	writeErr  error
}

func (f *fakeLink) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeLink) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) Read() (*packet.Packet, error) { return nil, link.ErrNotConnected }

func (f *fakeLink) Write(data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	switch v := data.(type) {
	case []byte:
		f.writes = append(f.writes, v)
	case *packet.Command:
		f.writes = append(f.writes, v.Buffer)
	}
	return nil
}

func (f *fakeLink) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *fakeLink) Name() string                  { return "INT1" }
func (f *fakeLink) TargetNames() []string         { return []string{"INST"} }
func (f *fakeLink) ReadAllowed() bool             { return true }
func (f *fakeLink) AutoReconnect() bool           { return false }
func (f *fakeLink) ReconnectDelay() time.Duration { return time.Second }

type fakeStore struct {
	mu     sync.Mutex
	ch     chan store.CommandMessage
	topics []string
	msgs   []map[string]any
	states int
}

func newFakeStore() *fakeStore {
	return &fakeStore{ch: make(chan store.CommandMessage, 4)}
}

func (f *fakeStore) ReceiveCommands(ctx context.Context, interfaceName, scope string) (<-chan store.CommandMessage, error) {
	return f.ch, nil
}

func (f *fakeStore) WriteTopic(ctx context.Context, topic string, msg map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeStore) SetInterface(ctx context.Context, d *iface.Descriptor, scope string, initialize bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states++
	return nil
}

func (f *fakeStore) find(topic string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.topics {
		if t == topic {
			return f.msgs[i], true
		}
	}
	return nil, false
}

func testDict(hazardous bool) *dictionary.Memory {
	d := dictionary.NewMemory()
	d.Define(&dictionary.PacketDef{
		Target:            "INST",
		Name:              "ABORT",
		ID:                0x0102,
		Hazardous:         hazardous,
		HazardDescription: "aborts the running sequence",
		Items: []dictionary.ItemDef{
			{Name: "CCSDSVER", Offset: 2},
			{Name: "PKTID", Offset: 3, FormatString: "0x%X"},
		},
	})
	return d
}

func newWorker(t *testing.T, dict *dictionary.Memory, secret string) (*cmdworker.Worker, *fakeStore, *fakeLink) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	l := &fakeLink{}
	st := newFakeStore()
	desc := iface.NewDescriptor("INT1", []string{"INST"}, false, true, time.Second)
	exc, err := exceptions.New(t.TempDir(), "", log)
	require.NoError(t, err)
	sup := supervisor.New(desc, l, dict, st, exc, "DEFAULT", log)

	return cmdworker.New(sup, l, dict, st, "DEFAULT", secret, log), st, l
}

// runOne feeds a single message through the worker loop and returns its
// reply.
func runOne(t *testing.T, w *cmdworker.Worker, st *fakeStore, topic string, msg map[string]string) string {
	t.Helper()
	replyCh := make(chan string, 1)
	st.ch <- store.CommandMessage{Topic: topic, Msg: msg, Reply: func(r string) { replyCh <- r }}
	close(st.ch)
	require.NoError(t, w.Run(context.Background()))

	select {
	case r := <-replyCh:
		return r
	default:
		t.Fatal("no reply produced")
		return ""
	}
}

func cmdMsg() map[string]string {
	return map[string]string{
		"target_name":     "INST",
		"cmd_name":        "ABORT",
		"cmd_params":      `{"PKTID": 7}`,
		"range_check":     "true",
		"raw":             "false",
		"hazardous_check": "true",
	}
}

func TestSuccessfulCommand(t *testing.T) {
	w, st, l := newWorker(t, testDict(false), "")

	reply := runOne(t, w, st, "DEFAULT__CMD__INST", cmdMsg())
	assert.Equal(t, "SUCCESS", reply)

	writes := l.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x01, 0x02, 0x00, 0x07}, writes[0])

	raw, ok := st.find("DEFAULT__COMMAND__INST__ABORT")
	require.True(t, ok)
	for _, key := range []string{"time", "target_name", "packet_name", "received_count", "buffer"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, "01020007", raw["buffer"])

	decom, ok := st.find("DEFAULT__DECOMCMD__INST__ABORT")
	require.True(t, ok)
	assert.NotContains(t, decom, "buffer")

	var hash map[string]any
	require.NoError(t, json.Unmarshal([]byte(decom["json_data"].(string)), &hash))
	assert.EqualValues(t, 0, hash["CCSDSVER"])
	assert.EqualValues(t, 7, hash["PKTID"])
	assert.Equal(t, "0x7", hash["PKTID__F"])
	assert.NotContains(t, hash, "CCSDSVER__F")
	assert.NotContains(t, hash, "PKTID__C")

	assert.Equal(t, 1, st.states, "interface state must be refreshed after a command")
}

func TestHazardousCommandVetoed(t *testing.T) {
	w, st, l := newWorker(t, testDict(true), "")

	reply := runOne(t, w, st, "DEFAULT__CMD__INST", cmdMsg())
	assert.Equal(t, "HazardousError", reply)
	assert.Empty(t, l.Writes(), "hazardous commands must not reach the link")

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Empty(t, st.topics)
}

func TestHazardousCheckDisabledWrites(t *testing.T) {
	w, st, l := newWorker(t, testDict(true), "")

	msg := cmdMsg()
	msg["hazardous_check"] = "no"
	reply := runOne(t, w, st, "DEFAULT__CMD__INST", msg)
	assert.Equal(t, "SUCCESS", reply)
	assert.Len(t, l.Writes(), 1)
}

func TestBuildFailureRepliesParserError(t *testing.T) {
	w, st, l := newWorker(t, testDict(false), "")

	msg := cmdMsg()
	msg["cmd_params"] = `{not json`
	reply := runOne(t, w, st, "DEFAULT__CMD__INST", msg)
	assert.Contains(t, reply, "invalid character")
	assert.Empty(t, l.Writes())
}

func TestWriteFailureRepliesErrorMessage(t *testing.T) {
	dict := testDict(false)
	w, st, l := newWorker(t, dict, "")
	l.writeErr = errors.New("serial port wedged")

	reply := runOne(t, w, st, "DEFAULT__CMD__INST", cmdMsg())
	assert.Equal(t, "serial port wedged", reply)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Empty(t, st.topics, "failed writes must not be echoed")
}

func TestLifecycleConnect(t *testing.T) {
	w, st, l := newWorker(t, testDict(false), "")

	reply := runOne(t, w, st, "DEFAULT__CMDINTERFACE__INT1", map[string]string{"connect": ""})
	assert.Equal(t, "SUCCESS", reply)
	assert.True(t, l.Connected())
}

func TestLifecycleDisconnect(t *testing.T) {
	w, st, l := newWorker(t, testDict(false), "")
	require.NoError(t, l.Connect())

	reply := runOne(t, w, st, "DEFAULT__CMDINTERFACE__INT1", map[string]string{"disconnect": ""})
	assert.Equal(t, "SUCCESS", reply)
	assert.False(t, l.Connected())
}

func TestLifecycleRawWrite(t *testing.T) {
	w, st, l := newWorker(t, testDict(false), "")

	reply := runOne(t, w, st, "DEFAULT__CMDINTERFACE__INT1", map[string]string{"raw": "DEADBEEF"})
	assert.Equal(t, "SUCCESS", reply)
	writes := l.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, writes[0])
}

func TestLifecycleInjectTlm(t *testing.T) {
	w, st, _ := newWorker(t, testDict(false), "")

	reply := runOne(t, w, st, "DEFAULT__CMDINTERFACE__INT1", map[string]string{
		"inject_tlm":  "",
		"target_name": "INST",
		"packet_name": "ABORT",
		"item_hash":   `{"PKTID": 9}`,
		"value_type":  "RAW",
	})
	assert.Equal(t, "SUCCESS", reply)

	msg, ok := st.find("DEFAULT__TELEMETRY__INST__ABORT")
	require.True(t, ok)
	assert.Equal(t, "INST", msg["target_name"])
}

func TestSignedReply(t *testing.T) {
	w, st, _ := newWorker(t, testDict(false), "s3cret")

	reply := runOne(t, w, st, "DEFAULT__CMD__INST", cmdMsg())

	token, err := jwt.Parse(reply, func(tok *jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "SUCCESS", claims["reply"])
	assert.Equal(t, "INT1", claims["interface"])
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "TRUE", "Yes", "1", " true "} {
		assert.True(t, cmdworker.ParseBool(s), s)
	}
	for _, s := range []string{"false", "no", "0", "", "banana"} {
		assert.False(t, cmdworker.ParseBool(s), s)
	}
}
