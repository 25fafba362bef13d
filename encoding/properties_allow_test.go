package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateForPacket(t *testing.T) {
	tests := []struct {
		name       string
		id         PropertyID
		value      interface{}
		packetType PacketType
		wantErr    error
	}{
		{"session_expiry_in_connect", PropSessionExpiryInterval, uint32(60), CONNECT, nil},
		{"session_expiry_in_disconnect", PropSessionExpiryInterval, uint32(60), DISCONNECT, nil},
		{"session_expiry_in_publish", PropSessionExpiryInterval, uint32(60), PUBLISH, ErrPropertyNotAllowed},
		{"topic_alias_in_publish", PropTopicAlias, uint16(5), PUBLISH, nil},
		{"topic_alias_in_connect", PropTopicAlias, uint16(5), CONNECT, ErrPropertyNotAllowed},
		{"assigned_client_id_in_connack", PropAssignedClientIdentifier, "auto-1", CONNACK, nil},
		{"assigned_client_id_in_connect", PropAssignedClientIdentifier, "auto-1", CONNECT, ErrPropertyNotAllowed},
		{"reason_string_in_puback", PropReasonString, "ok", PUBACK, nil},
		{"reason_string_in_subscribe", PropReasonString, "ok", SUBSCRIBE, ErrPropertyNotAllowed},
		{"subscription_identifier_in_subscribe", PropSubscriptionIdentifier, uint32(7), SUBSCRIBE, nil},
		{"user_property_anywhere", PropUserProperty, UTF8Pair{Key: "k", Value: "v"}, UNSUBSCRIBE, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			props := &Properties{Properties: []Property{{ID: tt.id, Value: tt.value}}}
			err := props.ValidateForPacket(tt.packetType)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateForWill(t *testing.T) {
	props := &Properties{Properties: []Property{
		{ID: PropWillDelayInterval, Value: uint32(30)},
		{ID: PropPayloadFormatIndicator, Value: byte(1)},
	}}
	assert.NoError(t, props.ValidateForWill())

	props = &Properties{Properties: []Property{
		{ID: PropTopicAlias, Value: uint16(1)},
	}}
	assert.ErrorIs(t, props.ValidateForWill(), ErrPropertyNotAllowed)
}

// A CONNECT carrying a CONNACK-only property must fail to parse.
func TestParseConnectRejectsDisallowedProperty(t *testing.T) {
	pkt := &ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: ProtocolVersion50,
		CleanStart:      true,
		KeepAlive:       60,
		ClientID:        "c1",
	}
	require.NoError(t, pkt.Properties.AddProperty(PropMaximumQoS, byte(1)))

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	fh, err := ParseFixedHeader(&buf)
	require.NoError(t, err)

	_, err = ParseConnectPacket(&buf, fh)
	assert.ErrorIs(t, err, ErrPropertyNotAllowed)
}
