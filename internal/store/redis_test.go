package store_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"interfacesvc/internal/iface"
	"interfacesvc/internal/store"
)

func newTestStore(t *testing.T) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetOutput(io.Discard)
	return store.NewRedisStoreWithClient(client, log), mr
}

func TestReceiveCommandsRoutesLifecycleAndReply(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.ReceiveCommands(ctx, "INT1", "DEFAULT")
	require.NoError(t, err)

	require.NoError(t, s.PushCommand(context.Background(), "DEFAULT", "INT1", "DEFAULT__CMDINTERFACE__INT1",
		map[string]string{"connect": "true"}, "reply-chan-1"))

	select {
	case msg := <-ch:
		require.Equal(t, "DEFAULT__CMDINTERFACE__INT1", msg.Topic)
		require.Equal(t, "true", msg.Msg["connect"])
		msg.Reply("SUCCESS")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for command message")
	}
}

func TestWriteTopicPublishes(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.WriteTopic(context.Background(), "DEFAULT__TELEMETRY__INST__ABORT", map[string]any{
		"target_name": "INST",
		"packet_name": "ABORT",
	})
	require.NoError(t, err)
}

func TestSetInterface(t *testing.T) {
	s, _ := newTestStore(t)
	d := iface.NewDescriptor("INT1", []string{"INST"}, true, true, 2*time.Second)
	d.SetState(iface.StateConnected)

	err := s.SetInterface(context.Background(), d, "DEFAULT", true)
	require.NoError(t, err)
}
