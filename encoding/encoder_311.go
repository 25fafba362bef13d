package encoding

import (
	"io"
)

// MQTT 3.1/3.1.1 packet structs and encoders: the 5.0 layout without
// property blocks, with CONNACK return codes in place of reason codes.
// Encoders share the wireWriter idiom with the 5.0 encoders, differing
// only in the version-checked fixed header.

// ConnectPacket311 is a v3 CONNECT ("MQTT"/4, or "MQIsdp"/3 for 3.1).
type ConnectPacket311 struct {
	FixedHeader     FixedHeader
	ProtocolName    string
	ProtocolVersion ProtocolVersion
	CleanSession    bool
	WillFlag        bool
	WillQoS         QoS
	WillRetain      bool
	PasswordFlag    bool
	UsernameFlag    bool
	KeepAlive       uint16
	ClientID        string
	WillTopic       string
	WillPayload     []byte
	Username        string
	Password        []byte
}

// ConnackPacket311 is a v3 CONNACK: session-present flag plus one return
// code byte.
type ConnackPacket311 struct {
	FixedHeader    FixedHeader
	SessionPresent bool
	ReturnCode     byte
}

// PublishPacket311 is a v3 PUBLISH.
type PublishPacket311 struct {
	FixedHeader FixedHeader
	TopicName   string
	PacketID    uint16
	Payload     []byte
}

// SubscribePacket311 is a v3 SUBSCRIBE.
type SubscribePacket311 struct {
	FixedHeader   FixedHeader
	PacketID      uint16
	Subscriptions []Subscription311
}

// Subscription311 is one (filter, requested QoS) pair of a SUBSCRIBE.
type Subscription311 struct {
	TopicFilter string
	QoS         QoS
}

// SubackPacket311 is a v3 SUBACK: one return code per requested filter.
type SubackPacket311 struct {
	FixedHeader FixedHeader
	PacketID    uint16
	ReturnCodes []byte
}

// UnsubscribePacket311 is a v3 UNSUBSCRIBE.
type UnsubscribePacket311 struct {
	FixedHeader  FixedHeader
	PacketID     uint16
	TopicFilters []string
}

// UnsubackPacket311 is a v3 UNSUBACK.
type UnsubackPacket311 struct {
	FixedHeader FixedHeader
	PacketID    uint16
}

// DisconnectPacket311 is a v3 DISCONNECT: fixed header only.
type DisconnectPacket311 struct {
	FixedHeader FixedHeader
}

// PubackPacket311, PubrecPacket311, PubrelPacket311, PubcompPacket311
// are the v3 QoS acknowledgments, all packet-id-only.
type PubackPacket311 struct {
	FixedHeader FixedHeader
	PacketID    uint16
}

type PubrecPacket311 struct {
	FixedHeader FixedHeader
	PacketID    uint16
}

type PubrelPacket311 struct {
	FixedHeader FixedHeader
	PacketID    uint16
}

type PubcompPacket311 struct {
	FixedHeader FixedHeader
	PacketID    uint16
}

// fixedHeader311 is wireWriter's v3 header emitter: same wire bytes,
// AUTH rejected.
func (ww *wireWriter) fixedHeader311(t PacketType, flags byte, remaining uint32) {
	if ww.err != nil {
		return
	}
	fh := FixedHeader{Type: t, Flags: flags, RemainingLength: remaining}
	ww.err = fh.EncodeFixedHeader311(ww.w)
}

// connectFlags311 assembles the CONNECT flag byte.
func (p *ConnectPacket311) connectFlags311() byte {
	var flags byte
	if p.CleanSession {
		flags |= 0x02
	}
	if p.WillFlag {
		flags |= 0x04 | byte(p.WillQoS<<3)
		if p.WillRetain {
			flags |= 0x20
		}
	}
	if p.PasswordFlag {
		flags |= 0x40
	}
	if p.UsernameFlag {
		flags |= 0x80
	}
	return flags
}

// Encode writes a v3 CONNECT packet.
func (p *ConnectPacket311) Encode(w io.Writer) error {
	// Variable header: protocol name + level + flags + keep-alive.
	remaining := 2 + len(p.ProtocolName) + 1 + 1 + 2
	// Payload: client id, then will/username/password as flagged.
	remaining += 2 + len(p.ClientID)
	if p.WillFlag {
		remaining += 2 + len(p.WillTopic) + 2 + len(p.WillPayload)
	}
	if p.UsernameFlag {
		remaining += 2 + len(p.Username)
	}
	if p.PasswordFlag {
		remaining += 2 + len(p.Password)
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader311(CONNECT, 0, uint32(remaining))
	ww.str(p.ProtocolName)
	ww.byte(byte(p.ProtocolVersion))
	ww.byte(p.connectFlags311())
	ww.u16(p.KeepAlive)
	ww.str(p.ClientID)
	if p.WillFlag {
		ww.str(p.WillTopic)
		ww.bin(p.WillPayload)
	}
	if p.UsernameFlag {
		ww.str(p.Username)
	}
	if p.PasswordFlag {
		ww.bin(p.Password)
	}
	return ww.err
}

// Encode writes a v3 CONNACK packet.
func (p *ConnackPacket311) Encode(w io.Writer) error {
	var ackFlags byte
	if p.SessionPresent {
		ackFlags = 0x01
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader311(CONNACK, 0, 2)
	ww.byte(ackFlags)
	ww.byte(p.ReturnCode)
	return ww.err
}

// Encode writes a v3 PUBLISH packet.
func (p *PublishPacket311) Encode(w io.Writer) error {
	remaining := 2 + len(p.TopicName) + len(p.Payload)
	if p.FixedHeader.QoS > QoS0 {
		remaining += 2
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader311(PUBLISH, p.FixedHeader.BuildPublishFlags(), uint32(remaining))
	ww.str(p.TopicName)
	if p.FixedHeader.QoS > QoS0 {
		ww.u16(p.PacketID)
	}
	ww.raw(p.Payload)
	return ww.err
}

// encodeAck311 covers the id-only acknowledgment packets.
func encodeAck311(w io.Writer, t PacketType, flags byte, packetID uint16) error {
	ww := &wireWriter{w: w}
	ww.fixedHeader311(t, flags, 2)
	ww.u16(packetID)
	return ww.err
}

// Encode writes a v3 PUBACK packet.
func (p *PubackPacket311) Encode(w io.Writer) error {
	return encodeAck311(w, PUBACK, 0, p.PacketID)
}

// Encode writes a v3 PUBREC packet.
func (p *PubrecPacket311) Encode(w io.Writer) error {
	return encodeAck311(w, PUBREC, 0, p.PacketID)
}

// Encode writes a v3 PUBREL packet. The flag nibble is the reserved 0010.
func (p *PubrelPacket311) Encode(w io.Writer) error {
	return encodeAck311(w, PUBREL, 0x02, p.PacketID)
}

// Encode writes a v3 PUBCOMP packet.
func (p *PubcompPacket311) Encode(w io.Writer) error {
	return encodeAck311(w, PUBCOMP, 0, p.PacketID)
}

// Encode writes a v3 SUBSCRIBE packet.
func (p *SubscribePacket311) Encode(w io.Writer) error {
	remaining := 2
	for _, sub := range p.Subscriptions {
		remaining += 2 + len(sub.TopicFilter) + 1
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader311(SUBSCRIBE, 0x02, uint32(remaining))
	ww.u16(p.PacketID)
	for _, sub := range p.Subscriptions {
		ww.str(sub.TopicFilter)
		ww.byte(byte(sub.QoS))
	}
	return ww.err
}

// Encode writes a v3 SUBACK packet.
func (p *SubackPacket311) Encode(w io.Writer) error {
	ww := &wireWriter{w: w}
	ww.fixedHeader311(SUBACK, 0, uint32(2+len(p.ReturnCodes)))
	ww.u16(p.PacketID)
	ww.raw(p.ReturnCodes)
	return ww.err
}

// Encode writes a v3 UNSUBSCRIBE packet.
func (p *UnsubscribePacket311) Encode(w io.Writer) error {
	remaining := 2
	for _, filter := range p.TopicFilters {
		remaining += 2 + len(filter)
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader311(UNSUBSCRIBE, 0x02, uint32(remaining))
	ww.u16(p.PacketID)
	for _, filter := range p.TopicFilters {
		ww.str(filter)
	}
	return ww.err
}

// Encode writes a v3 UNSUBACK packet.
func (p *UnsubackPacket311) Encode(w io.Writer) error {
	ww := &wireWriter{w: w}
	ww.fixedHeader311(UNSUBACK, 0, 2)
	ww.u16(p.PacketID)
	return ww.err
}

// Encode writes a v3 DISCONNECT packet.
func (p *DisconnectPacket311) Encode(w io.Writer) error {
	fh := FixedHeader{Type: DISCONNECT}
	return fh.EncodeFixedHeader311(w)
}

// v3 CONNACK return codes.
const (
	ConnectAccepted311                    byte = 0x00
	ConnectRefusedUnacceptableProtocol311 byte = 0x01
	ConnectRefusedIdentifierRejected311   byte = 0x02
	ConnectRefusedServerUnavailable311    byte = 0x03
	ConnectRefusedBadUsernamePassword311  byte = 0x04
	ConnectRefusedNotAuthorized311        byte = 0x05
)
