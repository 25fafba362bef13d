package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectPacket311_MQTT311(t *testing.T) {
	// CONNECT(client_id="c1", clean=1, keep_alive=60)
	raw := []byte{
		0x10, 0x12,
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x04,
		0x02,
		0x00, 0x3C,
		0x00, 0x02, 'c', '1',
	}

	r := bytes.NewReader(raw)
	fh, err := ParseFixedHeader311(r)
	require.NoError(t, err)
	require.Equal(t, CONNECT, fh.Type)

	pkt, err := ParseConnectPacket311(r, fh)
	require.NoError(t, err)

	assert.Equal(t, "MQTT", pkt.ProtocolName)
	assert.Equal(t, ProtocolVersion311, pkt.ProtocolVersion)
	assert.True(t, pkt.CleanSession)
	assert.False(t, pkt.WillFlag)
	assert.Equal(t, uint16(60), pkt.KeepAlive)
	assert.Equal(t, "c1", pkt.ClientID)
}

func TestParseConnectPacket311_MQTT31(t *testing.T) {
	var buf bytes.Buffer
	pkt := &ConnectPacket311{
		ProtocolName:    "MQIsdp",
		ProtocolVersion: ProtocolVersion30,
		CleanSession:    true,
		KeepAlive:       30,
		ClientID:        "legacy",
	}
	require.NoError(t, pkt.Encode(&buf))

	fh, err := ParseFixedHeader311(&buf)
	require.NoError(t, err)

	decoded, err := ParseConnectPacket311(&buf, fh)
	require.NoError(t, err)
	assert.Equal(t, "MQIsdp", decoded.ProtocolName)
	assert.Equal(t, ProtocolVersion30, decoded.ProtocolVersion)
	assert.Equal(t, "legacy", decoded.ClientID)
}

func TestParseConnectPacket311_Will(t *testing.T) {
	var buf bytes.Buffer
	pkt := &ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: ProtocolVersion311,
		CleanSession:    true,
		WillFlag:        true,
		WillQoS:         QoS1,
		WillRetain:      true,
		KeepAlive:       60,
		ClientID:        "w1",
		WillTopic:       "down",
		WillPayload:     []byte("bye"),
	}
	require.NoError(t, pkt.Encode(&buf))

	fh, err := ParseFixedHeader311(&buf)
	require.NoError(t, err)

	decoded, err := ParseConnectPacket311(&buf, fh)
	require.NoError(t, err)
	assert.True(t, decoded.WillFlag)
	assert.Equal(t, QoS1, decoded.WillQoS)
	assert.True(t, decoded.WillRetain)
	assert.Equal(t, "down", decoded.WillTopic)
	assert.Equal(t, []byte("bye"), decoded.WillPayload)
}

func TestParseConnectPacket311_Credentials(t *testing.T) {
	var buf bytes.Buffer
	pkt := &ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: ProtocolVersion311,
		CleanSession:    true,
		UsernameFlag:    true,
		PasswordFlag:    true,
		KeepAlive:       60,
		ClientID:        "u1",
		Username:        "alice",
		Password:        []byte("secret"),
	}
	require.NoError(t, pkt.Encode(&buf))

	fh, err := ParseFixedHeader311(&buf)
	require.NoError(t, err)

	decoded, err := ParseConnectPacket311(&buf, fh)
	require.NoError(t, err)
	assert.Equal(t, "alice", decoded.Username)
	assert.Equal(t, []byte("secret"), decoded.Password)
}

func TestParseConnectPacket311_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		expectedErr error
	}{
		{
			name: "reserved flag bit set",
			body: []byte{
				0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04,
				0x03, // reserved bit 0 set
				0x00, 0x3C, 0x00, 0x02, 'c', '1',
			},
			expectedErr: ErrInvalidConnectFlags,
		},
		{
			name: "wrong protocol name",
			body: []byte{
				0x00, 0x04, 'X', 'Q', 'T', 'T', 0x04,
				0x02, 0x00, 0x3C, 0x00, 0x02, 'c', '1',
			},
			expectedErr: ErrInvalidProtocolName,
		},
		{
			name: "name and level mismatch",
			body: []byte{
				0x00, 0x06, 'M', 'Q', 'I', 's', 'd', 'p', 0x04,
				0x02, 0x00, 0x3C, 0x00, 0x02, 'c', '1',
			},
			expectedErr: ErrInvalidProtocolVersion,
		},
		{
			name: "password without username",
			body: []byte{
				0x00, 0x04, 'M', 'Q', 'T', 'T', 0x04,
				0x42, 0x00, 0x3C, 0x00, 0x02, 'c', '1',
			},
			expectedErr: ErrPasswordWithoutUsername,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fh := &FixedHeader{Type: CONNECT, RemainingLength: uint32(len(tt.body))}
			_, err := ParseConnectPacket311(bytes.NewReader(tt.body), fh)
			assert.ErrorIs(t, err, tt.expectedErr)
		})
	}
}

func TestParsePublishPacket311_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		qos     QoS
		topic   string
		payload []byte
	}{
		{"qos0", QoS0, "a/b", []byte("hi")},
		{"qos1", QoS1, "sensor/temp", []byte("21.5")},
		{"qos2_empty_payload", QoS2, "t", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := &PublishPacket311{
				FixedHeader: FixedHeader{QoS: tt.qos},
				TopicName:   tt.topic,
				Payload:     tt.payload,
			}
			if tt.qos > QoS0 {
				pkt.PacketID = 7
			}

			var buf bytes.Buffer
			require.NoError(t, pkt.Encode(&buf))

			fh, err := ParseFixedHeader311(&buf)
			require.NoError(t, err)

			decoded, err := ParsePublishPacket311(&buf, fh)
			require.NoError(t, err)
			assert.Equal(t, tt.topic, decoded.TopicName)
			assert.Equal(t, pkt.PacketID, decoded.PacketID)
			if len(tt.payload) > 0 {
				assert.Equal(t, tt.payload, decoded.Payload)
			} else {
				assert.Empty(t, decoded.Payload)
			}
		})
	}
}

func TestParseSubscribePacket311(t *testing.T) {
	pkt := &SubscribePacket311{
		PacketID: 1,
		Subscriptions: []Subscription311{
			{TopicFilter: "a/+", QoS: QoS1},
			{TopicFilter: "b/#", QoS: QoS2},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	fh, err := ParseFixedHeader311(&buf)
	require.NoError(t, err)

	decoded, err := ParseSubscribePacket311(&buf, fh)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), decoded.PacketID)
	require.Len(t, decoded.Subscriptions, 2)
	assert.Equal(t, "a/+", decoded.Subscriptions[0].TopicFilter)
	assert.Equal(t, QoS1, decoded.Subscriptions[0].QoS)
	assert.Equal(t, "b/#", decoded.Subscriptions[1].TopicFilter)
	assert.Equal(t, QoS2, decoded.Subscriptions[1].QoS)
}

func TestParseSubscribePacket311_ZeroPacketID(t *testing.T) {
	body := []byte{0x00, 0x00, 0x00, 0x01, 'a', 0x01}
	fh := &FixedHeader{Type: SUBSCRIBE, Flags: 0x02, RemainingLength: uint32(len(body))}
	_, err := ParseSubscribePacket311(bytes.NewReader(body), fh)
	assert.ErrorIs(t, err, ErrInvalidPacketID)
}

func TestParseUnsubscribePacket311(t *testing.T) {
	pkt := &UnsubscribePacket311{
		PacketID:     9,
		TopicFilters: []string{"a/+", "b"},
	}

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	fh, err := ParseFixedHeader311(&buf)
	require.NoError(t, err)

	decoded, err := ParseUnsubscribePacket311(&buf, fh)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), decoded.PacketID)
	assert.Equal(t, []string{"a/+", "b"}, decoded.TopicFilters)
}

func TestParseAckPackets311(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&PubackPacket311{PacketID: 3}).Encode(&buf))
	fh, err := ParseFixedHeader311(&buf)
	require.NoError(t, err)
	puback, err := ParsePubackPacket311(&buf, fh)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), puback.PacketID)

	buf.Reset()
	require.NoError(t, (&PubrelPacket311{PacketID: 4}).Encode(&buf))
	fh, err = ParseFixedHeader311(&buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), fh.Flags)
	pubrel, err := ParsePubrelPacket311(&buf, fh)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), pubrel.PacketID)
}

func TestParseDisconnectPacket311(t *testing.T) {
	fh := &FixedHeader{Type: DISCONNECT, RemainingLength: 0}
	pkt, err := ParseDisconnectPacket311(fh)
	require.NoError(t, err)
	assert.Equal(t, DISCONNECT, pkt.FixedHeader.Type)

	fh = &FixedHeader{Type: DISCONNECT, RemainingLength: 2}
	_, err = ParseDisconnectPacket311(fh)
	assert.ErrorIs(t, err, ErrInvalidRemainingLength)
}

func TestDecode_VersionDispatch(t *testing.T) {
	var buf bytes.Buffer
	pub := &PublishPacket311{
		FixedHeader: FixedHeader{QoS: QoS1},
		TopicName:   "a/b",
		PacketID:    2,
		Payload:     []byte("x"),
	}
	require.NoError(t, pub.Encode(&buf))

	pkt, err := Decode(&buf, ProtocolVersion311)
	require.NoError(t, err)
	assert.Equal(t, PUBLISH, pkt.PacketType())
	decoded, ok := pkt.(*PublishPacket311)
	require.True(t, ok)
	assert.Equal(t, "a/b", decoded.TopicName)

	buf.Reset()
	pub5 := &PublishPacket{
		FixedHeader: FixedHeader{QoS: QoS0},
		TopicName:   "a/b",
		Payload:     []byte("x"),
	}
	require.NoError(t, pub5.Encode(&buf))

	pkt, err = Decode(&buf, ProtocolVersion50)
	require.NoError(t, err)
	assert.Equal(t, PUBLISH, pkt.PacketType())
	_, ok = pkt.(*PublishPacket)
	assert.True(t, ok)
}

func TestDecodeConnect_SniffsVersion(t *testing.T) {
	var buf bytes.Buffer
	pkt311 := &ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: ProtocolVersion311,
		CleanSession:    true,
		KeepAlive:       60,
		ClientID:        "c1",
	}
	require.NoError(t, pkt311.Encode(&buf))

	fh, err := ParseFixedHeader(&buf)
	require.NoError(t, err)

	pkt, version, err := DecodeConnect(&buf, fh)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion311, version)
	_, ok := pkt.(*ConnectPacket311)
	assert.True(t, ok)

	buf.Reset()
	pkt5 := &ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: ProtocolVersion50,
		CleanStart:      true,
		KeepAlive:       60,
		ClientID:        "c5",
	}
	require.NoError(t, pkt5.Encode(&buf))

	fh, err = ParseFixedHeader(&buf)
	require.NoError(t, err)

	pkt, version, err = DecodeConnect(&buf, fh)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion50, version)
	decoded, ok := pkt.(*ConnectPacket)
	require.True(t, ok)
	assert.Equal(t, "c5", decoded.ClientID)
}

func TestDecodeConnect_UnsupportedLevel(t *testing.T) {
	body := []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x06, 0x02, 0x00, 0x3C, 0x00, 0x01, 'c'}
	fh := &FixedHeader{Type: CONNECT, RemainingLength: uint32(len(body))}
	_, _, err := DecodeConnect(bytes.NewReader(body), fh)
	assert.ErrorIs(t, err, ErrInvalidProtocolVersion)
}
