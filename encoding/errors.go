package encoding

import "errors"

// Decode-family sentinels, grouped by the taxonomy the session layer
// branches on: framing, packet structure, properties, strings, and
// CONNECT semantics. Every parser wraps or returns one of these so a
// caller can map a failure to a CONNACK/DISCONNECT reason code without
// string matching (see GetReasonCode).

// Framing: variable byte integers and buffer arithmetic.
var (
	ErrVariableByteIntegerTooLarge  = errors.New("variable byte integer value exceeds maximum (268,435,455)")
	ErrMalformedVariableByteInteger = errors.New("malformed variable byte integer")
	ErrUnexpectedEOF                = errors.New("unexpected end of input")
	ErrBufferTooSmall               = errors.New("buffer too small")
	ErrInvalidRemainingLength       = errors.New("remaining length exceeds maximum or packet bounds")
)

// Fixed header: packet type and flag nibble.
var (
	ErrInvalidType         = errors.New("invalid packet type")
	ErrInvalidReservedType = errors.New("reserved packet type (0) not allowed")
	ErrInvalidFlags        = errors.New("invalid flags for packet type")
	ErrInvalidQoS          = errors.New("invalid QoS level")
)

// Properties (v5).
var (
	ErrInvalidPropertyID     = errors.New("invalid property ID")
	ErrInvalidPropertyType   = errors.New("invalid property type")
	ErrDuplicateProperty     = errors.New("duplicate property not allowed")
	ErrInvalidPropertyLength = errors.New("invalid property length")
	ErrPropertyTooLarge      = errors.New("property value exceeds maximum size")
)

// UTF-8 string rules (MQTT 1.5.4).
var (
	ErrInvalidUTF8           = errors.New("invalid UTF-8 encoding")
	ErrNullCharacter         = errors.New("null character (U+0000) not allowed in UTF-8 string")
	ErrInvalidCodePoint      = errors.New("invalid Unicode code point")
	ErrSurrogateCodePoint    = errors.New("UTF-16 surrogate code points (U+D800 to U+DFFF) not allowed")
	ErrNonCharacterCodePoint = errors.New("non-character code points (U+FFFE, U+FFFF) not allowed")
	ErrControlCharacter      = errors.New("control characters (U+0001 to U+001F, U+007F to U+009F) should be avoided")
)

// CONNECT variable header and flag consistency.
var (
	ErrInvalidProtocolName    = errors.New("invalid protocol name")
	ErrInvalidProtocolVersion = errors.New("invalid protocol version")
	ErrInvalidConnectFlags    = errors.New("invalid CONNECT flags: reserved bit must be 0")
	ErrInvalidWillQoS         = errors.New("invalid Will QoS level")
	ErrWillFlagMismatch       = errors.New("Will flag inconsistent with Will QoS or Will Retain")
	ErrUsernameWithoutFlag    = errors.New("username present but username flag not set")
	ErrPasswordWithoutFlag    = errors.New("password present but password flag not set")
	ErrPasswordWithoutUsername = errors.New("password flag set without username flag")
	ErrWillPropsWithoutWillFlag = errors.New("will properties present but will flag not set")
)

// Packet body structure.
var (
	ErrMalformedPacket         = errors.New("malformed packet")
	ErrInvalidPacketID         = errors.New("invalid packet identifier")
	ErrMissingPacketID         = errors.New("missing packet identifier for QoS > 0")
	ErrInvalidPacketIDZero     = errors.New("packet identifier cannot be 0 for QoS > 0")
	ErrInvalidTopicName        = errors.New("invalid topic name")
	ErrInvalidTopicFilter      = errors.New("invalid topic filter")
	ErrEmptyTopicFilter        = errors.New("empty topic filter not allowed")
	ErrInvalidSubscriptionOpts = errors.New("invalid subscription options")
	ErrEmptySubscriptionList   = errors.New("SUBSCRIBE packet must contain at least one subscription")
	ErrEmptyUnsubscribeList    = errors.New("UNSUBSCRIBE packet must contain at least one topic filter")
	ErrInvalidReasonCode       = errors.New("invalid reason code for packet type")
	ErrPayloadTooLarge         = errors.New("payload exceeds maximum size")
	ErrInvalidPublishTopicName = errors.New("PUBLISH topic name cannot contain wildcards")
)

// PacketError pairs a decode failure with the v5 reason code that should
// travel back to the peer, so the session layer never re-derives the
// mapping.
type PacketError struct {
	Err        error
	ReasonCode ReasonCode
	Message    string
}

func (e *PacketError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Message
}

func (e *PacketError) Unwrap() error { return e.Err }

// NewMalformedPacketError wraps err as a 0x81 MalformedPacket failure.
func NewMalformedPacketError(err error, message string) *PacketError {
	return &PacketError{Err: err, ReasonCode: ReasonMalformedPacket, Message: message}
}

// NewProtocolError wraps err as a 0x82 ProtocolError failure.
func NewProtocolError(err error, message string) *PacketError {
	return &PacketError{Err: err, ReasonCode: ReasonProtocolError, Message: message}
}

// reasonBySentinel maps each bare sentinel family onto its wire reason
// code. Checked in order; the first family containing the error wins.
var reasonBySentinel = []struct {
	code      ReasonCode
	sentinels []error
}{
	{ReasonMalformedPacket, []error{
		ErrMalformedPacket, ErrMalformedVariableByteInteger, ErrInvalidConnectFlags,
		ErrInvalidWillQoS, ErrInvalidQoS, ErrInvalidRemainingLength,
	}},
	{ReasonProtocolError, []error{
		ErrInvalidType, ErrInvalidFlags, ErrInvalidReservedType, ErrWillFlagMismatch,
		ErrInvalidPacketID, ErrInvalidPacketIDZero, ErrMissingPacketID,
		ErrEmptySubscriptionList, ErrEmptyUnsubscribeList,
	}},
	{ReasonUnsupportedProtocolVersion, []error{ErrInvalidProtocolVersion}},
	{ReasonTopicFilterInvalid, []error{ErrInvalidTopicFilter, ErrEmptyTopicFilter}},
	{ReasonTopicNameInvalid, []error{ErrInvalidTopicName, ErrInvalidPublishTopicName}},
	{ReasonPacketTooLarge, []error{ErrPayloadTooLarge}},
}

// GetReasonCode resolves an error to the reason code a CONNACK or
// DISCONNECT should carry: a PacketError's own code when present, the
// sentinel family's code otherwise, 0x80 as the fallback.
func GetReasonCode(err error) ReasonCode {
	var pktErr *PacketError
	if errors.As(err, &pktErr) {
		return pktErr.ReasonCode
	}

	for _, family := range reasonBySentinel {
		for _, sentinel := range family.sentinels {
			if errors.Is(err, sentinel) {
				return family.code
			}
		}
	}
	return ReasonUnspecifiedError
}
