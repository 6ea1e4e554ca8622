package mqtt

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bruhslowed/TDashboard/common/config"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startBroker 启动进程内 MQTT broker，返回 tcp://addr
func startBroker(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })

	return "tcp://" + addr
}

func TestClient_SubscribeAndPublish(t *testing.T) {
	broker := startBroker(t)
	logger := zap.NewNop()

	sub, err := NewClient(&config.MQTTConfig{Broker: broker, ClientID: "sub"}, logger)
	require.NoError(t, err)
	defer sub.Disconnect()

	pub, err := NewClient(&config.MQTTConfig{Broker: broker, ClientID: "pub"}, logger)
	require.NoError(t, err)
	defer pub.Disconnect()

	var mu sync.Mutex
	var got []string
	err = sub.Subscribe("temperature/+/data", 1, func(topic string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, topic+"|"+string(payload))
		if len(got) == 2 {
			return fmt.Errorf("handler errors are logged, not fatal")
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsConnected())

	require.NoError(t, pub.Publish("temperature/esp-01/data", 1, false, []byte(`{"temperature":21}`)))
	require.NoError(t, pub.Publish("temperature/esp-02/data", 1, false, []byte(`{"temperature":22}`)))
	require.NoError(t, pub.Publish("temperature/esp-03/data", 1, false, []byte(`{"temperature":23}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, `temperature/esp-01/data|{"temperature":21}`, got[0])
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe("temperature/+/data"))
	sub.mu.Lock()
	assert.Empty(t, sub.subs)
	sub.mu.Unlock()
}

func TestNewClient_BrokerUnavailable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = NewClient(&config.MQTTConfig{Broker: "tcp://" + addr, ClientID: "x"}, zap.NewNop())
	assert.Error(t, err)
}
