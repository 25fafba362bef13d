package encoding

import (
	"io"
)

// ReasonCode is an MQTT 5.0 result code carried by acknowledgment and
// DISCONNECT/AUTH packets.
type ReasonCode byte

const (
	// Success and normal disconnection codes
	ReasonSuccess                   ReasonCode = 0x00
	ReasonNormalDisconnection       ReasonCode = 0x00
	ReasonGrantedQoS0               ReasonCode = 0x00
	ReasonGrantedQoS1               ReasonCode = 0x01
	ReasonGrantedQoS2               ReasonCode = 0x02
	ReasonDisconnectWithWillMessage ReasonCode = 0x04
	ReasonNoMatchingSubscribers     ReasonCode = 0x10
	ReasonNoSubscriptionExisted     ReasonCode = 0x11
	ReasonContinueAuthentication    ReasonCode = 0x18
	ReasonReAuthenticate            ReasonCode = 0x19

	// Error codes
	ReasonUnspecifiedError                    ReasonCode = 0x80
	ReasonMalformedPacket                     ReasonCode = 0x81
	ReasonProtocolError                       ReasonCode = 0x82
	ReasonImplementationSpecificError         ReasonCode = 0x83
	ReasonUnsupportedProtocolVersion          ReasonCode = 0x84
	ReasonClientIdentifierNotValid            ReasonCode = 0x85
	ReasonBadUsernameOrPassword               ReasonCode = 0x86
	ReasonNotAuthorized                       ReasonCode = 0x87
	ReasonServerUnavailable                   ReasonCode = 0x88
	ReasonServerBusy                          ReasonCode = 0x89
	ReasonBanned                              ReasonCode = 0x8A
	ReasonServerShuttingDown                  ReasonCode = 0x8B
	ReasonBadAuthenticationMethod             ReasonCode = 0x8C
	ReasonKeepAliveTimeout                    ReasonCode = 0x8D
	ReasonSessionTakenOver                    ReasonCode = 0x8E
	ReasonTopicFilterInvalid                  ReasonCode = 0x8F
	ReasonTopicNameInvalid                    ReasonCode = 0x90
	ReasonPacketIdentifierInUse               ReasonCode = 0x91
	ReasonPacketIdentifierNotFound            ReasonCode = 0x92
	ReasonReceiveMaximumExceeded              ReasonCode = 0x93
	ReasonTopicAliasInvalid                   ReasonCode = 0x94
	ReasonPacketTooLarge                      ReasonCode = 0x95
	ReasonMessageRateTooHigh                  ReasonCode = 0x96
	ReasonQuotaExceeded                       ReasonCode = 0x97
	ReasonAdministrativeAction                ReasonCode = 0x98
	ReasonPayloadFormatInvalid                ReasonCode = 0x99
	ReasonRetainNotSupported                  ReasonCode = 0x9A
	ReasonQoSNotSupported                     ReasonCode = 0x9B
	ReasonUseAnotherServer                    ReasonCode = 0x9C
	ReasonServerMoved                         ReasonCode = 0x9D
	ReasonSharedSubscriptionsNotSupported     ReasonCode = 0x9E
	ReasonConnectionRateExceeded              ReasonCode = 0x9F
	ReasonMaximumConnectTime                  ReasonCode = 0xA0
	ReasonSubscriptionIdentifiersNotSupported ReasonCode = 0xA1
	ReasonWildcardSubscriptionsNotSupported   ReasonCode = 0xA2
)

// ConnectPacket is an MQTT 5.0 CONNECT.
type ConnectPacket struct {
	FixedHeader     FixedHeader
	ProtocolName    string
	ProtocolVersion ProtocolVersion
	CleanStart      bool
	WillFlag        bool
	WillQoS         QoS
	WillRetain      bool
	PasswordFlag    bool
	UsernameFlag    bool
	KeepAlive       uint16
	Properties      Properties
	ClientID        string
	WillProperties  Properties
	WillTopic       string
	WillPayload     []byte
	Username        string
	Password        []byte
}

// ConnackPacket is an MQTT 5.0 CONNACK.
type ConnackPacket struct {
	FixedHeader    FixedHeader
	SessionPresent bool
	ReasonCode     ReasonCode
	Properties     Properties
}

// PublishPacket is an MQTT 5.0 PUBLISH.
type PublishPacket struct {
	FixedHeader FixedHeader
	TopicName   string
	PacketID    uint16 // only for QoS 1 and 2
	Properties  Properties
	Payload     []byte
}

// PubackPacket, PubrecPacket, PubrelPacket, PubcompPacket are the four
// QoS acknowledgments; all share the id/reason/properties layout.
type PubackPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	ReasonCode  ReasonCode
	Properties  Properties
}

type PubrecPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	ReasonCode  ReasonCode
	Properties  Properties
}

type PubrelPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	ReasonCode  ReasonCode
	Properties  Properties
}

type PubcompPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	ReasonCode  ReasonCode
	Properties  Properties
}

// Subscription is one (filter, options) entry of a SUBSCRIBE.
type Subscription struct {
	TopicFilter            string
	QoS                    QoS
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32 // from properties
}

// SubscribePacket is an MQTT 5.0 SUBSCRIBE.
type SubscribePacket struct {
	FixedHeader   FixedHeader
	PacketID      uint16
	Properties    Properties
	Subscriptions []Subscription
}

// SubackPacket is an MQTT 5.0 SUBACK.
type SubackPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	Properties  Properties
	ReasonCodes []ReasonCode
}

// UnsubscribePacket is an MQTT 5.0 UNSUBSCRIBE.
type UnsubscribePacket struct {
	FixedHeader  FixedHeader
	PacketID     uint16
	Properties   Properties
	TopicFilters []string
}

// UnsubackPacket is an MQTT 5.0 UNSUBACK.
type UnsubackPacket struct {
	FixedHeader FixedHeader
	PacketID    uint16
	Properties  Properties
	ReasonCodes []ReasonCode
}

// PingreqPacket / PingrespPacket have no body.
type PingreqPacket struct {
	FixedHeader FixedHeader
}

type PingrespPacket struct {
	FixedHeader FixedHeader
}

// DisconnectPacket is an MQTT 5.0 DISCONNECT.
type DisconnectPacket struct {
	FixedHeader FixedHeader
	ReasonCode  ReasonCode
	Properties  Properties
}

// AuthPacket is an MQTT 5.0 AUTH.
type AuthPacket struct {
	FixedHeader FixedHeader
	ReasonCode  ReasonCode
	Properties  Properties
}

// propsWireSize is the encoded size of a parsed property block: its
// body plus the length prefix.
func propsWireSize(props *Properties) int {
	return int(props.Length) + SizeVariableByteInteger(props.Length)
}

// parsePacketProperties reads and allowlist-checks a property block for
// the packet type.
func parsePacketProperties(r io.Reader, packetType PacketType) (*Properties, error) {
	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	if err := props.ValidateForPacket(packetType); err != nil {
		return nil, err
	}
	return props, nil
}

// ParseConnectPacket parses an MQTT 5.0 CONNECT body.
func ParseConnectPacket(r io.Reader, fh *FixedHeader) (*ConnectPacket, error) {
	pkt := &ConnectPacket{FixedHeader: *fh}

	protocolName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	if protocolName != "MQTT" {
		return nil, ErrInvalidProtocolName
	}
	pkt.ProtocolName = protocolName

	version, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolVersion = ProtocolVersion(version)
	if pkt.ProtocolVersion != ProtocolVersion50 {
		return nil, ErrInvalidProtocolVersion
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if flags&0x01 != 0 {
		return nil, ErrMalformedPacket
	}
	pkt.CleanStart = flags&0x02 != 0
	pkt.WillFlag = flags&0x04 != 0
	pkt.WillQoS = QoS(flags >> 3 & 0x03)
	pkt.WillRetain = flags&0x20 != 0
	pkt.PasswordFlag = flags&0x40 != 0
	pkt.UsernameFlag = flags&0x80 != 0

	if pkt.KeepAlive, err = readTwoByteInt(r); err != nil {
		return nil, err
	}

	props, err := parsePacketProperties(r, CONNECT)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	if pkt.ClientID, err = readUTF8String(r); err != nil {
		return nil, err
	}

	if pkt.WillFlag {
		willProps, err := ParseProperties(r)
		if err != nil {
			return nil, err
		}
		if err := willProps.ValidateForWill(); err != nil {
			return nil, err
		}
		pkt.WillProperties = *willProps

		if pkt.WillTopic, err = readUTF8String(r); err != nil {
			return nil, err
		}
		if pkt.WillPayload, err = readBinaryData(r); err != nil {
			return nil, err
		}
	}

	if pkt.UsernameFlag {
		if pkt.Username, err = readUTF8String(r); err != nil {
			return nil, err
		}
	}
	if pkt.PasswordFlag {
		if pkt.Password, err = readBinaryData(r); err != nil {
			return nil, err
		}
	}

	return pkt, nil
}

// ParseConnackPacket parses an MQTT 5.0 CONNACK body.
func ParseConnackPacket(r io.Reader, fh *FixedHeader) (*ConnackPacket, error) {
	pkt := &ConnackPacket{FixedHeader: *fh}

	ackFlags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if ackFlags&0xFE != 0 {
		return nil, ErrMalformedPacket
	}
	pkt.SessionPresent = ackFlags&0x01 != 0

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)

	props, err := parsePacketProperties(r, CONNACK)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	return pkt, nil
}

// ParsePublishPacket parses an MQTT 5.0 PUBLISH body.
func ParsePublishPacket(r io.Reader, fh *FixedHeader) (*PublishPacket, error) {
	pkt := &PublishPacket{FixedHeader: *fh}

	topicName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.TopicName = topicName
	consumed := 2 + len(topicName)

	if fh.QoS > QoS0 {
		id, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		if id == 0 {
			return nil, ErrInvalidPacketID
		}
		pkt.PacketID = id
		consumed += 2
	}

	props, err := parsePacketProperties(r, PUBLISH)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props
	consumed += propsWireSize(props)

	// The payload is whatever the remaining length leaves over.
	if payloadLen := int(fh.RemainingLength) - consumed; payloadLen > 0 {
		pkt.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, pkt.Payload); err != nil {
			if err == io.EOF {
				return nil, ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return pkt, nil
}

// ackFields is the shared variable header of the PUBACK family: packet
// id, then an optional reason code (absent means success), then optional
// properties.
func ackFields(r io.Reader, fh *FixedHeader) (uint16, ReasonCode, *Properties, error) {
	packetID, err := readTwoByteInt(r)
	if err != nil {
		return 0, 0, nil, err
	}
	if fh.RemainingLength == 2 {
		return packetID, ReasonSuccess, nil, nil
	}

	code, err := readByte(r)
	if err != nil {
		return 0, 0, nil, err
	}
	if fh.RemainingLength == 3 {
		return packetID, ReasonCode(code), nil, nil
	}

	props, err := parsePacketProperties(r, fh.Type)
	if err != nil {
		return 0, 0, nil, err
	}
	return packetID, ReasonCode(code), props, nil
}

// ParsePubackPacket parses an MQTT 5.0 PUBACK body.
func ParsePubackPacket(r io.Reader, fh *FixedHeader) (*PubackPacket, error) {
	id, code, props, err := ackFields(r, fh)
	if err != nil {
		return nil, err
	}
	pkt := &PubackPacket{FixedHeader: *fh, PacketID: id, ReasonCode: code}
	if props != nil {
		pkt.Properties = *props
	}
	return pkt, nil
}

// ParsePubrecPacket parses an MQTT 5.0 PUBREC body.
func ParsePubrecPacket(r io.Reader, fh *FixedHeader) (*PubrecPacket, error) {
	id, code, props, err := ackFields(r, fh)
	if err != nil {
		return nil, err
	}
	pkt := &PubrecPacket{FixedHeader: *fh, PacketID: id, ReasonCode: code}
	if props != nil {
		pkt.Properties = *props
	}
	return pkt, nil
}

// ParsePubrelPacket parses an MQTT 5.0 PUBREL body.
func ParsePubrelPacket(r io.Reader, fh *FixedHeader) (*PubrelPacket, error) {
	id, code, props, err := ackFields(r, fh)
	if err != nil {
		return nil, err
	}
	pkt := &PubrelPacket{FixedHeader: *fh, PacketID: id, ReasonCode: code}
	if props != nil {
		pkt.Properties = *props
	}
	return pkt, nil
}

// ParsePubcompPacket parses an MQTT 5.0 PUBCOMP body.
func ParsePubcompPacket(r io.Reader, fh *FixedHeader) (*PubcompPacket, error) {
	id, code, props, err := ackFields(r, fh)
	if err != nil {
		return nil, err
	}
	pkt := &PubcompPacket{FixedHeader: *fh, PacketID: id, ReasonCode: code}
	if props != nil {
		pkt.Properties = *props
	}
	return pkt, nil
}

// ParseSubscribePacket parses an MQTT 5.0 SUBSCRIBE body.
func ParseSubscribePacket(r io.Reader, fh *FixedHeader) (*SubscribePacket, error) {
	pkt := &SubscribePacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	props, err := parsePacketProperties(r, SUBSCRIBE)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	pkt.Subscriptions = make([]Subscription, 0, 2)
	consumed := 2 + propsWireSize(props)

	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		options, err := readByte(r)
		if err != nil {
			return nil, err
		}
		if options&0xC0 != 0 {
			return nil, ErrMalformedPacket
		}
		consumed += 2 + len(filter) + 1

		pkt.Subscriptions = append(pkt.Subscriptions, Subscription{
			TopicFilter:       filter,
			QoS:               QoS(options & 0x03),
			NoLocal:           options&0x04 != 0,
			RetainAsPublished: options&0x08 != 0,
			RetainHandling:    options >> 4 & 0x03,
		})
	}

	return pkt, nil
}

// reasonCodeTail reads the reason-code list filling the remainder of a
// SUBACK/UNSUBACK.
func reasonCodeTail(r io.Reader, fh *FixedHeader, consumed int) ([]ReasonCode, error) {
	count := int(fh.RemainingLength) - consumed
	codes := make([]ReasonCode, count)
	for i := range codes {
		b, err := readByte(r)
		if err != nil {
			return nil, err
		}
		codes[i] = ReasonCode(b)
	}
	return codes, nil
}

// ParseSubackPacket parses an MQTT 5.0 SUBACK body.
func ParseSubackPacket(r io.Reader, fh *FixedHeader) (*SubackPacket, error) {
	pkt := &SubackPacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	props, err := parsePacketProperties(r, SUBACK)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	if pkt.ReasonCodes, err = reasonCodeTail(r, fh, 2+propsWireSize(props)); err != nil {
		return nil, err
	}
	return pkt, nil
}

// ParseUnsubscribePacket parses an MQTT 5.0 UNSUBSCRIBE body.
func ParseUnsubscribePacket(r io.Reader, fh *FixedHeader) (*UnsubscribePacket, error) {
	pkt := &UnsubscribePacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	props, err := parsePacketProperties(r, UNSUBSCRIBE)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	pkt.TopicFilters = make([]string, 0)
	consumed := 2 + propsWireSize(props)
	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		consumed += 2 + len(filter)
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
	}

	return pkt, nil
}

// ParseUnsubackPacket parses an MQTT 5.0 UNSUBACK body.
func ParseUnsubackPacket(r io.Reader, fh *FixedHeader) (*UnsubackPacket, error) {
	pkt := &UnsubackPacket{FixedHeader: *fh}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	props, err := parsePacketProperties(r, UNSUBACK)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props

	if pkt.ReasonCodes, err = reasonCodeTail(r, fh, 2+propsWireSize(props)); err != nil {
		return nil, err
	}
	return pkt, nil
}

// ParseDisconnectPacket parses an MQTT 5.0 DISCONNECT body; the empty
// body means a normal disconnection.
func ParseDisconnectPacket(r io.Reader, fh *FixedHeader) (*DisconnectPacket, error) {
	pkt := &DisconnectPacket{FixedHeader: *fh}

	if fh.RemainingLength == 0 {
		pkt.ReasonCode = ReasonNormalDisconnection
		return pkt, nil
	}

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)

	if fh.RemainingLength == 1 {
		return pkt, nil
	}

	props, err := parsePacketProperties(r, DISCONNECT)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props
	return pkt, nil
}

// ParseAuthPacket parses an MQTT 5.0 AUTH body, which must carry at
// least its reason code.
func ParseAuthPacket(r io.Reader, fh *FixedHeader) (*AuthPacket, error) {
	if fh.RemainingLength == 0 {
		return nil, ErrMalformedPacket
	}
	pkt := &AuthPacket{FixedHeader: *fh}

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)

	if fh.RemainingLength == 1 {
		return pkt, nil
	}

	props, err := parsePacketProperties(r, AUTH)
	if err != nil {
		return nil, err
	}
	pkt.Properties = *props
	return pkt, nil
}

// ParsePingreqPacket checks a PINGREQ's empty body.
func ParsePingreqPacket(fh *FixedHeader) (*PingreqPacket, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrMalformedPacket
	}
	return &PingreqPacket{FixedHeader: *fh}, nil
}

// ParsePingrespPacket checks a PINGRESP's empty body.
func ParsePingrespPacket(fh *FixedHeader) (*PingrespPacket, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrMalformedPacket
	}
	return &PingrespPacket{FixedHeader: *fh}, nil
}

// reasonCodeNames backs ReasonCode.String.
var reasonCodeNames = map[ReasonCode]string{
	ReasonSuccess:                             "Success",
	ReasonGrantedQoS1:                         "GrantedQoS1",
	ReasonGrantedQoS2:                         "GrantedQoS2",
	ReasonDisconnectWithWillMessage:           "DisconnectWithWillMessage",
	ReasonNoMatchingSubscribers:               "NoMatchingSubscribers",
	ReasonNoSubscriptionExisted:               "NoSubscriptionExisted",
	ReasonContinueAuthentication:              "ContinueAuthentication",
	ReasonReAuthenticate:                      "ReAuthenticate",
	ReasonUnspecifiedError:                    "UnspecifiedError",
	ReasonMalformedPacket:                     "MalformedPacket",
	ReasonProtocolError:                       "ProtocolError",
	ReasonImplementationSpecificError:         "ImplementationSpecificError",
	ReasonUnsupportedProtocolVersion:          "UnsupportedProtocolVersion",
	ReasonClientIdentifierNotValid:            "ClientIdentifierNotValid",
	ReasonBadUsernameOrPassword:               "BadUsernameOrPassword",
	ReasonNotAuthorized:                       "NotAuthorized",
	ReasonServerUnavailable:                   "ServerUnavailable",
	ReasonServerBusy:                          "ServerBusy",
	ReasonBanned:                              "Banned",
	ReasonServerShuttingDown:                  "ServerShuttingDown",
	ReasonBadAuthenticationMethod:             "BadAuthenticationMethod",
	ReasonKeepAliveTimeout:                    "KeepAliveTimeout",
	ReasonSessionTakenOver:                    "SessionTakenOver",
	ReasonTopicFilterInvalid:                  "TopicFilterInvalid",
	ReasonTopicNameInvalid:                    "TopicNameInvalid",
	ReasonPacketIdentifierInUse:               "PacketIdentifierInUse",
	ReasonPacketIdentifierNotFound:            "PacketIdentifierNotFound",
	ReasonReceiveMaximumExceeded:              "ReceiveMaximumExceeded",
	ReasonTopicAliasInvalid:                   "TopicAliasInvalid",
	ReasonPacketTooLarge:                      "PacketTooLarge",
	ReasonMessageRateTooHigh:                  "MessageRateTooHigh",
	ReasonQuotaExceeded:                       "QuotaExceeded",
	ReasonAdministrativeAction:                "AdministrativeAction",
	ReasonPayloadFormatInvalid:                "PayloadFormatInvalid",
	ReasonRetainNotSupported:                  "RetainNotSupported",
	ReasonQoSNotSupported:                     "QoSNotSupported",
	ReasonUseAnotherServer:                    "UseAnotherServer",
	ReasonServerMoved:                         "ServerMoved",
	ReasonSharedSubscriptionsNotSupported:     "SharedSubscriptionsNotSupported",
	ReasonConnectionRateExceeded:              "ConnectionRateExceeded",
	ReasonMaximumConnectTime:                  "MaximumConnectTime",
	ReasonSubscriptionIdentifiersNotSupported: "SubscriptionIdentifiersNotSupported",
	ReasonWildcardSubscriptionsNotSupported:   "WildcardSubscriptionsNotSupported",
}

func (rc ReasonCode) String() string {
	if name, ok := reasonCodeNames[rc]; ok {
		return name
	}
	return "UNKNOWN"
}
