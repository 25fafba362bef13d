package broker

import (
	"bytes"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustRobotics/hebo-sub002/config"
	"github.com/RustRobotics/hebo-sub002/encoding"
)

// TestWebSocketListener drives a CONNECT/CONNACK exchange over the ws
// transport: binary frames carrying raw MQTT bytes on the mqtt
// subprotocol.
func TestWebSocketListener(t *testing.T) {
	cfg := testConfig()
	cfg.Listeners = []config.Listener{
		{Protocol: config.ProtocolWS, Address: "127.0.0.1:0", Path: "/mqtt"},
	}
	_, addr := startTestServer(t, cfg)

	dialer := websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: 3 * time.Second,
	}
	ws, _, err := dialer.Dial("ws://"+addr.String()+"/mqtt", nil)
	require.NoError(t, err)
	defer ws.Close()

	var buf bytes.Buffer
	connect := &encoding.ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion311,
		CleanSession:    true,
		KeepAlive:       60,
		ClientID:        "wsclient",
	}
	require.NoError(t, connect.Encode(&buf))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, buf.Bytes()))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)

	fh, err := encoding.ParseFixedHeader311(bytes.NewReader(frame))
	require.NoError(t, err)
	require.Equal(t, encoding.CONNACK, fh.Type)

	connack, err := encoding.ParseConnackPacket311(bytes.NewReader(frame[2:]), fh)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), connack.ReturnCode)
}
