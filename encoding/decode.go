package encoding

import (
	"bytes"
	"io"
)

// Packet is the tagged-sum view over every MQTT control packet the codec
// can produce: one fixed header's worth of type information plus a
// version-specific body, re-encodable onto a wire.
type Packet interface {
	PacketType() PacketType
	Encode(w io.Writer) error
}

func (p *ConnectPacket) PacketType() PacketType     { return CONNECT }
func (p *ConnackPacket) PacketType() PacketType     { return CONNACK }
func (p *PublishPacket) PacketType() PacketType     { return PUBLISH }
func (p *PubackPacket) PacketType() PacketType      { return PUBACK }
func (p *PubrecPacket) PacketType() PacketType      { return PUBREC }
func (p *PubrelPacket) PacketType() PacketType      { return PUBREL }
func (p *PubcompPacket) PacketType() PacketType     { return PUBCOMP }
func (p *SubscribePacket) PacketType() PacketType   { return SUBSCRIBE }
func (p *SubackPacket) PacketType() PacketType      { return SUBACK }
func (p *UnsubscribePacket) PacketType() PacketType { return UNSUBSCRIBE }
func (p *UnsubackPacket) PacketType() PacketType    { return UNSUBACK }
func (p *PingreqPacket) PacketType() PacketType     { return PINGREQ }
func (p *PingrespPacket) PacketType() PacketType    { return PINGRESP }
func (p *DisconnectPacket) PacketType() PacketType  { return DISCONNECT }
func (p *AuthPacket) PacketType() PacketType        { return AUTH }

func (p *ConnectPacket311) PacketType() PacketType     { return CONNECT }
func (p *ConnackPacket311) PacketType() PacketType     { return CONNACK }
func (p *PublishPacket311) PacketType() PacketType     { return PUBLISH }
func (p *PubackPacket311) PacketType() PacketType      { return PUBACK }
func (p *PubrecPacket311) PacketType() PacketType      { return PUBREC }
func (p *PubrelPacket311) PacketType() PacketType      { return PUBREL }
func (p *PubcompPacket311) PacketType() PacketType     { return PUBCOMP }
func (p *SubscribePacket311) PacketType() PacketType   { return SUBSCRIBE }
func (p *SubackPacket311) PacketType() PacketType      { return SUBACK }
func (p *UnsubscribePacket311) PacketType() PacketType { return UNSUBSCRIBE }
func (p *UnsubackPacket311) PacketType() PacketType    { return UNSUBACK }
func (p *DisconnectPacket311) PacketType() PacketType  { return DISCONNECT }

// Decode reads exactly one packet from r, dispatching on the fixed
// header's packet type and the negotiated protocol version. For the
// pre-CONNECT read, where no version has been negotiated yet, use
// DecodeConnect instead.
func Decode(r io.Reader, version ProtocolVersion) (Packet, error) {
	fh, err := ParseFixedHeaderWithVersion(r, version)
	if err != nil {
		return nil, err
	}
	return DecodeBody(r, fh, version)
}

// DecodeBody parses one packet body whose fixed header has already been
// read, so callers that inspect the header first (size limits, flow
// control) don't re-read it.
func DecodeBody(r io.Reader, fh *FixedHeader, version ProtocolVersion) (Packet, error) {
	if version == ProtocolVersion50 {
		return decodeBody50(r, fh)
	}
	return decodeBody311(r, fh)
}

func decodeBody50(r io.Reader, fh *FixedHeader) (Packet, error) {
	switch fh.Type {
	case CONNECT:
		return ParseConnectPacket(r, fh)
	case CONNACK:
		return ParseConnackPacket(r, fh)
	case PUBLISH:
		return ParsePublishPacket(r, fh)
	case PUBACK:
		return ParsePubackPacket(r, fh)
	case PUBREC:
		return ParsePubrecPacket(r, fh)
	case PUBREL:
		return ParsePubrelPacket(r, fh)
	case PUBCOMP:
		return ParsePubcompPacket(r, fh)
	case SUBSCRIBE:
		return ParseSubscribePacket(r, fh)
	case SUBACK:
		return ParseSubackPacket(r, fh)
	case UNSUBSCRIBE:
		return ParseUnsubscribePacket(r, fh)
	case UNSUBACK:
		return ParseUnsubackPacket(r, fh)
	case PINGREQ:
		return ParsePingreqPacket(fh)
	case PINGRESP:
		return ParsePingrespPacket(fh)
	case DISCONNECT:
		return ParseDisconnectPacket(r, fh)
	case AUTH:
		return ParseAuthPacket(r, fh)
	default:
		return nil, ErrInvalidType
	}
}

func decodeBody311(r io.Reader, fh *FixedHeader) (Packet, error) {
	switch fh.Type {
	case CONNECT:
		return ParseConnectPacket311(r, fh)
	case CONNACK:
		return ParseConnackPacket311(r, fh)
	case PUBLISH:
		return ParsePublishPacket311(r, fh)
	case PUBACK:
		return ParsePubackPacket311(r, fh)
	case PUBREC:
		return ParsePubrecPacket311(r, fh)
	case PUBREL:
		return ParsePubrelPacket311(r, fh)
	case PUBCOMP:
		return ParsePubcompPacket311(r, fh)
	case SUBSCRIBE:
		return ParseSubscribePacket311(r, fh)
	case SUBACK:
		return ParseSubackPacket311(r, fh)
	case UNSUBSCRIBE:
		return ParseUnsubscribePacket311(r, fh)
	case UNSUBACK:
		return ParseUnsubackPacket311(r, fh)
	case PINGREQ:
		return ParsePingreqPacket(fh)
	case PINGRESP:
		return ParsePingrespPacket(fh)
	case DISCONNECT:
		return ParseDisconnectPacket311(fh)
	default:
		return nil, ErrInvalidType
	}
}

// DecodeConnect reads a CONNECT body whose fixed header has already been
// parsed, sniffing the protocol name/level pair to pick the right parser.
// It returns the parsed packet (a *ConnectPacket or *ConnectPacket311)
// together with the sniffed version so the caller can decode every later
// packet on this connection with the right Decode variant.
func DecodeConnect(r io.Reader, fh *FixedHeader) (Packet, ProtocolVersion, error) {
	if fh.Type != CONNECT {
		return nil, 0, ErrInvalidType
	}

	body := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	// Protocol name (length-prefixed) then one level byte.
	if len(body) < 2 {
		return nil, 0, ErrUnexpectedEOF
	}
	nameLen := int(body[0])<<8 | int(body[1])
	if len(body) < 2+nameLen+1 {
		return nil, 0, ErrUnexpectedEOF
	}
	version := ProtocolVersion(body[2+nameLen])

	switch version {
	case ProtocolVersion50:
		pkt, err := ParseConnectPacket(bytes.NewReader(body), fh)
		if err != nil {
			return nil, 0, err
		}
		return pkt, ProtocolVersion50, nil
	case ProtocolVersion30, ProtocolVersion311:
		pkt, err := ParseConnectPacket311(bytes.NewReader(body), fh)
		if err != nil {
			return nil, 0, err
		}
		return pkt, version, nil
	default:
		return nil, 0, ErrInvalidProtocolVersion
	}
}
