package sink

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirebaseUpdate_RelativeKeys(t *testing.T) {
	got := firebaseUpdate(map[string]Payload{
		"/pm_readings/pi/indoor/20250101/000000": {"pm25": 12.0},
		"pm_readings/pi/outdoor/20250101/000000": {"pm25": nil},
	})
	require.Len(t, got, 2)
	assert.Contains(t, got, "pm_readings/pi/indoor/20250101/000000")
	assert.Contains(t, got, "pm_readings/pi/outdoor/20250101/000000")
}

func TestNewFirebase_MissingCredentialsIsAuth(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cfg  FirebaseConfig
	}{
		{name: "no url", cfg: FirebaseConfig{CredentialsFile: "x.json"}},
		{name: "no credentials", cfg: FirebaseConfig{DatabaseURL: "https://x.firebaseio.com"}},
		{name: "missing file", cfg: FirebaseConfig{
			DatabaseURL:     "https://x.firebaseio.com",
			CredentialsFile: filepath.Join(t.TempDir(), "absent.json"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := DialFirebase(tt.cfg, nil)(ctx)
			assert.Nil(t, s)
			assert.ErrorIs(t, err, ErrAuth)
		})
	}
}

func TestClassifyMQTT(t *testing.T) {
	assert.ErrorIs(t, classifyMQTT("connect", packets.ErrorRefusedBadUsernameOrPassword), ErrAuth)
	assert.ErrorIs(t, classifyMQTT("connect", packets.ErrorRefusedNotAuthorised), ErrAuth)
	assert.ErrorIs(t, classifyMQTT("connect", packets.ErrorRefusedServerUnavailable), ErrTransient)
	assert.ErrorIs(t, classifyMQTT("write", errors.New("i/o timeout")), ErrTransient)
}

func TestMQTT_WriteWhenDisconnectedIsTransient(t *testing.T) {
	c := NewMQTT(MQTTConfig{Broker: "127.0.0.1", Port: 1, ClientID: "test"}, nil)
	defer c.Close()

	err := c.Write(context.Background(), map[string]Payload{"/a/b": {"x": 1}})
	assert.ErrorIs(t, err, ErrTransient)
	assert.NoError(t, c.Write(context.Background(), nil))
}

func TestMQTT_ConnectHonoursContext(t *testing.T) {
	c := NewMQTT(MQTTConfig{Broker: "127.0.0.1", Port: 1, ClientID: "test"}, nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, KindTransient, Classify(err))
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "pm_readings/pi/indoor/20250101/120000", Topic("/pm_readings/pi/indoor/20250101/120000"))
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// stubClient completes Connect without ever calling the OnConnect handler.
type stubClient struct {
	mqtt.Client

	mu       sync.Mutex
	topics   []string
	retained []bool
}

func (c *stubClient) IsConnected() bool       { return true }
func (c *stubClient) Connect() mqtt.Token     { return doneToken{} }
func (c *stubClient) Disconnect(quiesce uint) {}
func (c *stubClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.retained = append(c.retained, retained && qos == 1)
	return doneToken{}
}

func TestMQTT_WriteRightAfterConnect(t *testing.T) {
	c := NewMQTT(MQTTConfig{Broker: "127.0.0.1", Port: 1, ClientID: "test"}, nil)
	stub := &stubClient{}
	c.client = stub
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.True(t, c.IsConnected())

	err := c.Write(context.Background(), map[string]Payload{
		"/pm_readings/pi/outdoor/20250101/000000": {"pm25": 50.0},
		"/pm_readings/pi/indoor/20250101/000000":  {"pm25": 20.0},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"pm_readings/pi/indoor/20250101/000000",
		"pm_readings/pi/outdoor/20250101/000000",
	}, stub.topics)
	assert.Equal(t, []bool{true, true}, stub.retained)
}
