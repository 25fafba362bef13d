package encoding

import (
	"bytes"
	"io"
)

// MQTT 5.0 packet encoders. Every Encode first sizes the variable header
// and payload, emits the fixed header, then streams the body through a
// wireWriter is a sticky-error wrapper that keeps the per-field plumbing
// out of the way.

// wireWriter writes wire primitives and remembers the first failure, so
// an encoder body reads as a straight-line field list.
type wireWriter struct {
	w   io.Writer
	err error
}

func (ww *wireWriter) fixedHeader(t PacketType, flags byte, remaining uint32) {
	if ww.err != nil {
		return
	}
	fh := FixedHeader{Type: t, Flags: flags, RemainingLength: remaining}
	ww.err = fh.EncodeFixedHeader(ww.w)
}

func (ww *wireWriter) byte(b byte) {
	if ww.err == nil {
		ww.err = writeByte(ww.w, b)
	}
}

func (ww *wireWriter) u16(v uint16) {
	if ww.err == nil {
		ww.err = writeTwoByteInt(ww.w, v)
	}
}

func (ww *wireWriter) str(s string) {
	if ww.err == nil {
		ww.err = writeUTF8String(ww.w, s)
	}
}

func (ww *wireWriter) bin(b []byte) {
	if ww.err == nil {
		ww.err = writeBinaryData(ww.w, b)
	}
}

func (ww *wireWriter) raw(b []byte) {
	if ww.err == nil && len(b) > 0 {
		_, ww.err = ww.w.Write(b)
	}
}

// connectFlags assembles the CONNECT flag byte from the packet's fields.
func (p *ConnectPacket) connectFlags() byte {
	var flags byte
	if p.CleanStart {
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

// Encode writes an MQTT 5.0 CONNECT packet.
func (p *ConnectPacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	var willPropsBytes []byte
	if p.WillFlag {
		if willPropsBytes, err = p.WillProperties.encodeToBytes(); err != nil {
			return err
		}
	}

	// Variable header: protocol name + level + flags + keep-alive + props.
	remaining := 2 + len(p.ProtocolName) + 1 + 1 + 2 + len(propsBytes)
	// Payload: client id, then will/username/password as flagged.
	remaining += 2 + len(p.ClientID)
	if p.WillFlag {
		remaining += len(willPropsBytes) + 2 + len(p.WillTopic) + 2 + len(p.WillPayload)
	}
	if p.UsernameFlag {
		remaining += 2 + len(p.Username)
	}
	if p.PasswordFlag {
		remaining += 2 + len(p.Password)
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader(CONNECT, 0, uint32(remaining))
	ww.str(p.ProtocolName)
	ww.byte(byte(p.ProtocolVersion))
	ww.byte(p.connectFlags())
	ww.u16(p.KeepAlive)
	ww.raw(propsBytes)
	ww.str(p.ClientID)
	if p.WillFlag {
		ww.raw(willPropsBytes)
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

// Encode writes an MQTT 5.0 CONNACK packet.
func (p *ConnackPacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	var ackFlags byte
	if p.SessionPresent {
		ackFlags = 0x01
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader(CONNACK, 0, uint32(2+len(propsBytes)))
	ww.byte(ackFlags)
	ww.byte(byte(p.ReasonCode))
	ww.raw(propsBytes)
	return ww.err
}

// Encode writes an MQTT 5.0 PUBLISH packet.
func (p *PublishPacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	remaining := 2 + len(p.TopicName) + len(propsBytes) + len(p.Payload)
	if p.FixedHeader.QoS > QoS0 {
		remaining += 2
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader(PUBLISH, p.FixedHeader.BuildPublishFlags(), uint32(remaining))
	ww.str(p.TopicName)
	if p.FixedHeader.QoS > QoS0 {
		ww.u16(p.PacketID)
	}
	ww.raw(propsBytes)
	ww.raw(p.Payload)
	return ww.err
}

// Encode writes an MQTT 5.0 PUBACK packet.
func (p *PubackPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBACK, p.PacketID, p.ReasonCode, &p.Properties)
}

// Encode writes an MQTT 5.0 PUBREC packet.
func (p *PubrecPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBREC, p.PacketID, p.ReasonCode, &p.Properties)
}

// Encode writes an MQTT 5.0 PUBREL packet.
func (p *PubrelPacket) Encode(w io.Writer) error {
	return encodeAckPacketWithFlags(w, PUBREL, 0x02, p.PacketID, p.ReasonCode, &p.Properties)
}

// Encode writes an MQTT 5.0 PUBCOMP packet.
func (p *PubcompPacket) Encode(w io.Writer) error {
	return encodeAckPacket(w, PUBCOMP, p.PacketID, p.ReasonCode, &p.Properties)
}

func encodeAckPacket(w io.Writer, packetType PacketType, packetID uint16, reasonCode ReasonCode, props *Properties) error {
	return encodeAckPacketWithFlags(w, packetType, 0, packetID, reasonCode, props)
}

// encodeAckPacketWithFlags covers the PUBACK family. A success code with
// no properties is encoded in the short two-byte form the specification
// permits.
func encodeAckPacketWithFlags(w io.Writer, packetType PacketType, flags byte, packetID uint16, reasonCode ReasonCode, props *Properties) error {
	propsBytes, err := props.encodeToBytes()
	if err != nil {
		return err
	}

	short := reasonCode == ReasonSuccess && len(propsBytes) <= 1

	remaining := uint32(2)
	if !short {
		remaining += 1 + uint32(len(propsBytes))
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader(packetType, flags, remaining)
	ww.u16(packetID)
	if !short {
		ww.byte(byte(reasonCode))
		ww.raw(propsBytes)
	}
	return ww.err
}

// writeReasonCodes emits one byte per reason code.
func writeReasonCodes(w io.Writer, reasonCodes []ReasonCode) error {
	for _, rc := range reasonCodes {
		if err := writeByte(w, byte(rc)); err != nil {
			return err
		}
	}
	return nil
}

// encodeAckPacketWithReasonCodes covers SUBACK/UNSUBACK: packet id,
// properties, then one reason code per requested filter.
func encodeAckPacketWithReasonCodes(w io.Writer, packetType PacketType, flags byte, packetID uint16, reasonCodes []ReasonCode, props *Properties) error {
	propsBytes, err := props.encodeToBytes()
	if err != nil {
		return err
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader(packetType, flags, uint32(2+len(propsBytes)+len(reasonCodes)))
	ww.u16(packetID)
	ww.raw(propsBytes)
	for _, rc := range reasonCodes {
		ww.byte(byte(rc))
	}
	return ww.err
}

// subscriptionOptions packs one subscription's option byte.
func subscriptionOptions(sub *Subscription) byte {
	options := byte(sub.QoS & 0x03)
	if sub.NoLocal {
		options |= 0x04
	}
	if sub.RetainAsPublished {
		options |= 0x08
	}
	return options | (sub.RetainHandling&0x03)<<4
}

// Encode writes an MQTT 5.0 SUBSCRIBE packet.
func (p *SubscribePacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	remaining := 2 + len(propsBytes)
	for _, sub := range p.Subscriptions {
		remaining += 2 + len(sub.TopicFilter) + 1
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader(SUBSCRIBE, 0x02, uint32(remaining))
	ww.u16(p.PacketID)
	ww.raw(propsBytes)
	for i := range p.Subscriptions {
		ww.str(p.Subscriptions[i].TopicFilter)
		ww.byte(subscriptionOptions(&p.Subscriptions[i]))
	}
	return ww.err
}

// Encode writes an MQTT 5.0 SUBACK packet.
func (p *SubackPacket) Encode(w io.Writer) error {
	return encodeAckPacketWithReasonCodes(w, SUBACK, 0, p.PacketID, p.ReasonCodes, &p.Properties)
}

// Encode writes an MQTT 5.0 UNSUBSCRIBE packet.
func (p *UnsubscribePacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	remaining := 2 + len(propsBytes)
	for _, filter := range p.TopicFilters {
		remaining += 2 + len(filter)
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader(UNSUBSCRIBE, 0x02, uint32(remaining))
	ww.u16(p.PacketID)
	ww.raw(propsBytes)
	for _, filter := range p.TopicFilters {
		ww.str(filter)
	}
	return ww.err
}

// Encode writes an MQTT 5.0 UNSUBACK packet.
func (p *UnsubackPacket) Encode(w io.Writer) error {
	return encodeAckPacketWithReasonCodes(w, UNSUBACK, 0, p.PacketID, p.ReasonCodes, &p.Properties)
}

// Encode writes a PINGREQ packet (fixed header only).
func (p *PingreqPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGREQ}
	return fh.EncodeFixedHeader(w)
}

// Encode writes a PINGRESP packet (fixed header only).
func (p *PingrespPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGRESP}
	return fh.EncodeFixedHeader(w)
}

// Encode writes an MQTT 5.0 DISCONNECT packet. A normal disconnection
// with no properties uses the zero-length short form.
func (p *DisconnectPacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	short := p.ReasonCode == ReasonNormalDisconnection && len(propsBytes) <= 1

	var remaining uint32
	if !short {
		remaining = 1 + uint32(len(propsBytes))
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader(DISCONNECT, 0, remaining)
	if !short {
		ww.byte(byte(p.ReasonCode))
		ww.raw(propsBytes)
	}
	return ww.err
}

// Encode writes an MQTT 5.0 AUTH packet.
func (p *AuthPacket) Encode(w io.Writer) error {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return err
	}

	ww := &wireWriter{w: w}
	ww.fixedHeader(AUTH, 0, uint32(1+len(propsBytes)))
	ww.byte(byte(p.ReasonCode))
	ww.raw(propsBytes)
	return ww.err
}

// encodeToBytes renders a property block to a fresh slice; encoders size
// their remaining length off it before writing anything.
func (p *Properties) encodeToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.EncodeProperties(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo renders a PUBLISH into a caller-owned buffer, for send paths
// that want to avoid the intermediate allocation.
func (p *PublishPacket) EncodeTo(buf []byte) (int, error) {
	propsBytes, err := p.Properties.encodeToBytes()
	if err != nil {
		return 0, err
	}

	remaining := uint32(2 + len(p.TopicName) + len(propsBytes) + len(p.Payload))
	if p.FixedHeader.QoS > QoS0 {
		remaining += 2
	}

	fh := FixedHeader{
		Type:            PUBLISH,
		Flags:           p.FixedHeader.BuildPublishFlags(),
		RemainingLength: remaining,
	}

	offset, err := fh.EncodeFixedHeaderToBytes(buf)
	if err != nil {
		return 0, err
	}

	n, err := writeUTF8StringToBytes(buf[offset:], p.TopicName)
	if err != nil {
		return 0, err
	}
	offset += n

	if p.FixedHeader.QoS > QoS0 {
		if n, err = writeTwoByteIntToBytes(buf[offset:], p.PacketID); err != nil {
			return 0, err
		}
		offset += n
	}

	offset += copy(buf[offset:], propsBytes)
	offset += copy(buf[offset:], p.Payload)
	return offset, nil
}
