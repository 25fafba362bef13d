package encoding

import (
	"encoding/binary"
	"io"
)

// PropertyID identifies one MQTT 5.0 property.
type PropertyID byte

const (
	PropPayloadFormatIndicator          PropertyID = 0x01
	PropMessageExpiryInterval           PropertyID = 0x02
	PropContentType                     PropertyID = 0x03
	PropResponseTopic                   PropertyID = 0x08
	PropCorrelationData                 PropertyID = 0x09
	PropSubscriptionIdentifier          PropertyID = 0x0B
	PropSessionExpiryInterval           PropertyID = 0x11
	PropAssignedClientIdentifier        PropertyID = 0x12
	PropServerKeepAlive                 PropertyID = 0x13
	PropAuthenticationMethod            PropertyID = 0x15
	PropAuthenticationData              PropertyID = 0x16
	PropRequestProblemInformation       PropertyID = 0x17
	PropWillDelayInterval               PropertyID = 0x18
	PropRequestResponseInformation      PropertyID = 0x19
	PropResponseInformation             PropertyID = 0x1A
	PropServerReference                 PropertyID = 0x1C
	PropReasonString                    PropertyID = 0x1F
	PropReceiveMaximum                  PropertyID = 0x21
	PropTopicAliasMaximum               PropertyID = 0x22
	PropTopicAlias                      PropertyID = 0x23
	PropMaximumQoS                      PropertyID = 0x24
	PropRetainAvailable                 PropertyID = 0x25
	PropUserProperty                    PropertyID = 0x26
	PropMaximumPacketSize               PropertyID = 0x27
	PropWildcardSubscriptionAvailable   PropertyID = 0x28
	PropSubscriptionIdentifierAvailable PropertyID = 0x29
	PropSharedSubscriptionAvailable     PropertyID = 0x2A
)

// PropertyType is a property value's wire representation.
type PropertyType byte

const (
	PropertyTypeByte PropertyType = iota + 1
	PropertyTypeTwoByteInt
	PropertyTypeFourByteInt
	PropertyTypeVarInt
	PropertyTypeUTF8String
	PropertyTypeUTF8Pair
	PropertyTypeBinaryData
)

// Property is one decoded (identifier, value) pair.
type Property struct {
	ID    PropertyID
	Value interface{}
}

// Properties is the ordered property block of one packet.
type Properties struct {
	Properties []Property
	Length     uint32 // encoded byte length, excluding the length prefix itself
}

// propertySpec is the per-identifier metadata the codec is driven by:
// wire type, whether the identifier may repeat, and its display name.
type propertySpec struct {
	Type     PropertyType
	Multiple bool
	Name     string
}

var propertySpecs = map[PropertyID]propertySpec{
	PropPayloadFormatIndicator:          {PropertyTypeByte, false, "PayloadFormatIndicator"},
	PropMessageExpiryInterval:           {PropertyTypeFourByteInt, false, "MessageExpiryInterval"},
	PropContentType:                     {PropertyTypeUTF8String, false, "ContentType"},
	PropResponseTopic:                   {PropertyTypeUTF8String, false, "ResponseTopic"},
	PropCorrelationData:                 {PropertyTypeBinaryData, false, "CorrelationData"},
	PropSubscriptionIdentifier:          {PropertyTypeVarInt, true, "SubscriptionIdentifier"},
	PropSessionExpiryInterval:           {PropertyTypeFourByteInt, false, "SessionExpiryInterval"},
	PropAssignedClientIdentifier:        {PropertyTypeUTF8String, false, "AssignedClientIdentifier"},
	PropServerKeepAlive:                 {PropertyTypeTwoByteInt, false, "ServerKeepAlive"},
	PropAuthenticationMethod:            {PropertyTypeUTF8String, false, "AuthenticationMethod"},
	PropAuthenticationData:              {PropertyTypeBinaryData, false, "AuthenticationData"},
	PropRequestProblemInformation:       {PropertyTypeByte, false, "RequestProblemInformation"},
	PropWillDelayInterval:               {PropertyTypeFourByteInt, false, "WillDelayInterval"},
	PropRequestResponseInformation:      {PropertyTypeByte, false, "RequestResponseInformation"},
	PropResponseInformation:             {PropertyTypeUTF8String, false, "ResponseInformation"},
	PropServerReference:                 {PropertyTypeUTF8String, false, "ServerReference"},
	PropReasonString:                    {PropertyTypeUTF8String, false, "ReasonString"},
	PropReceiveMaximum:                  {PropertyTypeTwoByteInt, false, "ReceiveMaximum"},
	PropTopicAliasMaximum:               {PropertyTypeTwoByteInt, false, "TopicAliasMaximum"},
	PropTopicAlias:                      {PropertyTypeTwoByteInt, false, "TopicAlias"},
	PropMaximumQoS:                      {PropertyTypeByte, false, "MaximumQoS"},
	PropRetainAvailable:                 {PropertyTypeByte, false, "RetainAvailable"},
	PropUserProperty:                    {PropertyTypeUTF8Pair, true, "UserProperty"},
	PropMaximumPacketSize:               {PropertyTypeFourByteInt, false, "MaximumPacketSize"},
	PropWildcardSubscriptionAvailable:   {PropertyTypeByte, false, "WildcardSubscriptionAvailable"},
	PropSubscriptionIdentifierAvailable: {PropertyTypeByte, false, "SubscriptionIdentifierAvailable"},
	PropSharedSubscriptionAvailable:     {PropertyTypeByte, false, "SharedSubscriptionAvailable"},
}

// String returns the identifier's specification name, "UNKNOWN" for ids
// outside the table.
func (id PropertyID) String() string {
	if spec, ok := propertySpecs[id]; ok {
		return spec.Name
	}
	return "UNKNOWN"
}

// ParseProperties reads one property block: a variable byte integer
// length followed by exactly that many bytes of (id, value) pairs.
func ParseProperties(r io.Reader) (*Properties, error) {
	blockLen, err := DecodeVariableByteInteger(r)
	if err != nil {
		return nil, err
	}

	props := &Properties{
		Length:     blockLen,
		Properties: make([]Property, 0, 4),
	}
	if blockLen == 0 {
		return props, nil
	}

	body := io.LimitedReader{R: r, N: int64(blockLen)}
	for body.N > 0 {
		id, err := readByte(&body)
		if err != nil {
			return nil, err
		}
		spec, ok := propertySpecs[PropertyID(id)]
		if !ok {
			return nil, ErrInvalidPropertyID
		}
		value, err := readPropValue(spec.Type, &body)
		if err != nil {
			return nil, err
		}
		props.Properties = append(props.Properties, Property{ID: PropertyID(id), Value: value})
	}

	return props, nil
}

// ParsePropertiesFromBytes is the slice-backed variant of ParseProperties,
// returning the total bytes consumed including the length prefix.
func ParsePropertiesFromBytes(data []byte) (*Properties, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrUnexpectedEOF
	}

	blockLen, n, err := DecodeVariableByteIntegerFromBytes(data)
	if err != nil {
		return nil, 0, err
	}
	offset := n

	props := &Properties{
		Length:     blockLen,
		Properties: make([]Property, 0),
	}
	if blockLen == 0 {
		return props, offset, nil
	}
	if len(data)-offset < int(blockLen) {
		return nil, 0, ErrUnexpectedEOF
	}

	end := offset + int(blockLen)
	for offset < end {
		id := PropertyID(data[offset])
		offset++
		spec, ok := propertySpecs[id]
		if !ok {
			return nil, 0, ErrInvalidPropertyID
		}
		value, n, err := readPropValueFromBytes(spec.Type, data[offset:])
		if err != nil {
			return nil, 0, err
		}
		offset += n
		props.Properties = append(props.Properties, Property{ID: id, Value: value})
	}

	return props, offset, nil
}

// parseProperty reads a single (id, value) pair from r.
func parseProperty(r io.Reader) (*Property, error) {
	id, err := readByte(r)
	if err != nil {
		return nil, err
	}
	spec, ok := propertySpecs[PropertyID(id)]
	if !ok {
		return nil, ErrInvalidPropertyID
	}
	value, err := readPropValue(spec.Type, r)
	if err != nil {
		return nil, err
	}
	return &Property{ID: PropertyID(id), Value: value}, nil
}

// parsePropertyFromBytes is parseProperty over a slice.
func parsePropertyFromBytes(data []byte) (*Property, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrUnexpectedEOF
	}
	id := PropertyID(data[0])
	spec, ok := propertySpecs[id]
	if !ok {
		return nil, 0, ErrInvalidPropertyID
	}
	value, n, err := readPropValueFromBytes(spec.Type, data[1:])
	if err != nil {
		return nil, 0, err
	}
	return &Property{ID: id, Value: value}, 1 + n, nil
}

// readPropValue decodes one value of the given wire type from r.
func readPropValue(t PropertyType, r io.Reader) (interface{}, error) {
	switch t {
	case PropertyTypeByte:
		return readByte(r)
	case PropertyTypeTwoByteInt:
		return readTwoByteInt(r)
	case PropertyTypeFourByteInt:
		return readFourByteInt(r)
	case PropertyTypeVarInt:
		return DecodeVariableByteInteger(r)
	case PropertyTypeUTF8String:
		return readUTF8String(r)
	case PropertyTypeUTF8Pair:
		return readUTF8Pair(r)
	case PropertyTypeBinaryData:
		return readBinaryData(r)
	default:
		return nil, ErrInvalidPropertyType
	}
}

// readPropValueFromBytes is readPropValue over a slice, reporting how
// many bytes the value occupied.
func readPropValueFromBytes(t PropertyType, data []byte) (interface{}, int, error) {
	switch t {
	case PropertyTypeByte:
		return readByteFromBytes(data)
	case PropertyTypeTwoByteInt:
		return readTwoByteIntFromBytes(data)
	case PropertyTypeFourByteInt:
		return readFourByteIntFromBytes(data)
	case PropertyTypeVarInt:
		v, n, err := DecodeVariableByteIntegerFromBytes(data)
		return v, n, err
	case PropertyTypeUTF8String:
		return readUTF8StringFromBytes(data)
	case PropertyTypeUTF8Pair:
		return readUTF8PairFromBytes(data)
	case PropertyTypeBinaryData:
		return readBinaryDataFromBytes(data)
	default:
		return nil, 0, ErrInvalidPropertyType
	}
}

// EncodeProperties writes the block: length prefix, then each property.
func (p *Properties) EncodeProperties(w io.Writer) error {
	length := p.calculateLength()

	prefix, err := EncodeVariableByteInteger(length)
	if err != nil {
		return err
	}
	if _, err := w.Write(prefix); err != nil {
		return err
	}

	for i := range p.Properties {
		if err := encodeProperty(w, &p.Properties[i]); err != nil {
			return err
		}
	}
	return nil
}

// EncodePropertiesToBytes encodes the block into buf, returning the
// bytes written.
func (p *Properties) EncodePropertiesToBytes(buf []byte) (int, error) {
	length := p.calculateLength()

	offset, err := EncodeVariableByteIntegerTo(buf, 0, length)
	if err != nil {
		return 0, err
	}

	for i := range p.Properties {
		n, err := encodePropertyToBytes(buf[offset:], &p.Properties[i])
		if err != nil {
			return 0, err
		}
		offset += n
	}
	return offset, nil
}

// calculateLength sums the encoded size of every (id, value) pair.
func (p *Properties) calculateLength() uint32 {
	var length uint32
	for i := range p.Properties {
		prop := &p.Properties[i]
		length++ // identifier byte

		switch propertySpecs[prop.ID].Type {
		case PropertyTypeByte:
			length++
		case PropertyTypeTwoByteInt:
			length += 2
		case PropertyTypeFourByteInt:
			length += 4
		case PropertyTypeVarInt:
			length += uint32(SizeVariableByteInteger(prop.Value.(uint32)))
		case PropertyTypeUTF8String:
			length += 2 + uint32(len(prop.Value.(string)))
		case PropertyTypeUTF8Pair:
			pair := prop.Value.(UTF8Pair)
			length += 4 + uint32(len(pair.Key)) + uint32(len(pair.Value))
		case PropertyTypeBinaryData:
			length += 2 + uint32(len(prop.Value.([]byte)))
		}
	}
	return length
}

func encodeProperty(w io.Writer, prop *Property) error {
	if err := writeByte(w, byte(prop.ID)); err != nil {
		return err
	}

	switch propertySpecs[prop.ID].Type {
	case PropertyTypeByte:
		return writeByte(w, prop.Value.(byte))
	case PropertyTypeTwoByteInt:
		return writeTwoByteInt(w, prop.Value.(uint16))
	case PropertyTypeFourByteInt:
		return writeFourByteInt(w, prop.Value.(uint32))
	case PropertyTypeVarInt:
		encoded, err := EncodeVariableByteInteger(prop.Value.(uint32))
		if err != nil {
			return err
		}
		_, err = w.Write(encoded)
		return err
	case PropertyTypeUTF8String:
		return writeUTF8String(w, prop.Value.(string))
	case PropertyTypeUTF8Pair:
		return writeUTF8Pair(w, prop.Value.(UTF8Pair))
	case PropertyTypeBinaryData:
		return writeBinaryData(w, prop.Value.([]byte))
	default:
		return ErrInvalidPropertyType
	}
}

func encodePropertyToBytes(buf []byte, prop *Property) (int, error) {
	if len(buf) == 0 {
		return 0, ErrBufferTooSmall
	}
	buf[0] = byte(prop.ID)
	offset := 1

	var (
		n   int
		err error
	)
	switch propertySpecs[prop.ID].Type {
	case PropertyTypeByte:
		n, err = writeByteToBytes(buf[offset:], prop.Value.(byte))
	case PropertyTypeTwoByteInt:
		n, err = writeTwoByteIntToBytes(buf[offset:], prop.Value.(uint16))
	case PropertyTypeFourByteInt:
		n, err = writeFourByteIntToBytes(buf[offset:], prop.Value.(uint32))
	case PropertyTypeVarInt:
		n, err = EncodeVariableByteIntegerTo(buf, offset, prop.Value.(uint32))
	case PropertyTypeUTF8String:
		n, err = writeUTF8StringToBytes(buf[offset:], prop.Value.(string))
	case PropertyTypeUTF8Pair:
		n, err = writeUTF8PairToBytes(buf[offset:], prop.Value.(UTF8Pair))
	case PropertyTypeBinaryData:
		n, err = writeBinaryDataToBytes(buf[offset:], prop.Value.([]byte))
	default:
		return 0, ErrInvalidPropertyType
	}
	if err != nil {
		return 0, err
	}
	return offset + n, nil
}

// UTF8Pair is a user-property key/value pair.
type UTF8Pair struct {
	Key   string
	Value string
}

// Primitive readers and writers shared by every parser and encoder in
// the package. The reader variants normalize io.EOF to ErrUnexpectedEOF
// since a packet body is never allowed to end mid-field.

func readByte(r io.Reader) (byte, error) {
	var one [1]byte
	if _, err := io.ReadFull(r, one[:]); err != nil {
		if err == io.EOF {
			return 0, ErrUnexpectedEOF
		}
		return 0, err
	}
	return one[0], nil
}

func readByteFromBytes(data []byte) (byte, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrUnexpectedEOF
	}
	return data[0], 1, nil
}

func readTwoByteInt(r io.Reader) (uint16, error) {
	var two [2]byte
	if _, err := io.ReadFull(r, two[:]); err != nil {
		if err == io.EOF {
			return 0, ErrUnexpectedEOF
		}
		return 0, err
	}
	return binary.BigEndian.Uint16(two[:]), nil
}

func readTwoByteIntFromBytes(data []byte) (uint16, int, error) {
	if len(data) < 2 {
		return 0, 0, ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint16(data), 2, nil
}

func readFourByteInt(r io.Reader) (uint32, error) {
	var four [4]byte
	if _, err := io.ReadFull(r, four[:]); err != nil {
		if err == io.EOF {
			return 0, ErrUnexpectedEOF
		}
		return 0, err
	}
	return binary.BigEndian.Uint32(four[:]), nil
}

func readFourByteIntFromBytes(data []byte) (uint32, int, error) {
	if len(data) < 4 {
		return 0, 0, ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint32(data), 4, nil
}

func readUTF8String(r io.Reader) (string, error) {
	length, err := readTwoByteInt(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ErrUnexpectedEOF
	}
	if err := ValidateUTF8String(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readUTF8StringFromBytes(data []byte) (string, int, error) {
	if len(data) < 2 {
		return "", 0, ErrUnexpectedEOF
	}
	length := int(binary.BigEndian.Uint16(data))
	if length == 0 {
		return "", 2, nil
	}
	if len(data) < 2+length {
		return "", 0, ErrUnexpectedEOF
	}

	body := data[2 : 2+length]
	if err := ValidateUTF8String(body); err != nil {
		return "", 0, err
	}
	return string(body), 2 + length, nil
}

func readUTF8Pair(r io.Reader) (UTF8Pair, error) {
	key, err := readUTF8String(r)
	if err != nil {
		return UTF8Pair{}, err
	}
	value, err := readUTF8String(r)
	if err != nil {
		return UTF8Pair{}, err
	}
	return UTF8Pair{Key: key, Value: value}, nil
}

func readUTF8PairFromBytes(data []byte) (UTF8Pair, int, error) {
	key, n1, err := readUTF8StringFromBytes(data)
	if err != nil {
		return UTF8Pair{}, 0, err
	}
	value, n2, err := readUTF8StringFromBytes(data[n1:])
	if err != nil {
		return UTF8Pair{}, 0, err
	}
	return UTF8Pair{Key: key, Value: value}, n1 + n2, nil
}

func readBinaryData(r io.Reader) ([]byte, error) {
	length, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrUnexpectedEOF
	}
	return buf, nil
}

func readBinaryDataFromBytes(data []byte) ([]byte, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrUnexpectedEOF
	}
	length := int(binary.BigEndian.Uint16(data))
	if length == 0 {
		return []byte{}, 2, nil
	}
	if len(data) < 2+length {
		return nil, 0, ErrUnexpectedEOF
	}

	out := make([]byte, length)
	copy(out, data[2:2+length])
	return out, 2 + length, nil
}

func writeByte(w io.Writer, value byte) error {
	_, err := w.Write([]byte{value})
	return err
}

func writeByteToBytes(buf []byte, value byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrBufferTooSmall
	}
	buf[0] = value
	return 1, nil
}

func writeTwoByteInt(w io.Writer, value uint16) error {
	var two [2]byte
	binary.BigEndian.PutUint16(two[:], value)
	_, err := w.Write(two[:])
	return err
}

func writeTwoByteIntToBytes(buf []byte, value uint16) (int, error) {
	if len(buf) < 2 {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(buf, value)
	return 2, nil
}

func writeFourByteInt(w io.Writer, value uint32) error {
	var four [4]byte
	binary.BigEndian.PutUint32(four[:], value)
	_, err := w.Write(four[:])
	return err
}

func writeFourByteIntToBytes(buf []byte, value uint32) (int, error) {
	if len(buf) < 4 {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint32(buf, value)
	return 4, nil
}

func writeUTF8String(w io.Writer, value string) error {
	if err := writeTwoByteInt(w, uint16(len(value))); err != nil {
		return err
	}
	if len(value) == 0 {
		return nil
	}
	_, err := io.WriteString(w, value)
	return err
}

func writeUTF8StringToBytes(buf []byte, value string) (int, error) {
	if len(buf) < 2+len(value) {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(buf, uint16(len(value)))
	copy(buf[2:], value)
	return 2 + len(value), nil
}

func writeUTF8Pair(w io.Writer, value UTF8Pair) error {
	if err := writeUTF8String(w, value.Key); err != nil {
		return err
	}
	return writeUTF8String(w, value.Value)
}

func writeUTF8PairToBytes(buf []byte, value UTF8Pair) (int, error) {
	n1, err := writeUTF8StringToBytes(buf, value.Key)
	if err != nil {
		return 0, err
	}
	n2, err := writeUTF8StringToBytes(buf[n1:], value.Value)
	if err != nil {
		return 0, err
	}
	return n1 + n2, nil
}

func writeBinaryData(w io.Writer, value []byte) error {
	if err := writeTwoByteInt(w, uint16(len(value))); err != nil {
		return err
	}
	if len(value) == 0 {
		return nil
	}
	_, err := w.Write(value)
	return err
}

func writeBinaryDataToBytes(buf []byte, value []byte) (int, error) {
	if len(buf) < 2+len(value) {
		return 0, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(buf, uint16(len(value)))
	copy(buf[2:], value)
	return 2 + len(value), nil
}

// GetProperty returns the first property with the given id, nil when
// absent.
func (p *Properties) GetProperty(id PropertyID) *Property {
	for i := range p.Properties {
		if p.Properties[i].ID == id {
			return &p.Properties[i]
		}
	}
	return nil
}

// GetProperties returns every property carrying the given id, in block
// order.
func (p *Properties) GetProperties(id PropertyID) []Property {
	var out []Property
	for _, prop := range p.Properties {
		if prop.ID == id {
			out = append(out, prop)
		}
	}
	return out
}

// AddProperty appends one property, rejecting unknown ids and repeats of
// single-occurrence identifiers.
func (p *Properties) AddProperty(id PropertyID, value interface{}) error {
	spec, ok := propertySpecs[id]
	if !ok {
		return ErrInvalidPropertyID
	}
	if !spec.Multiple && p.GetProperty(id) != nil {
		return ErrDuplicateProperty
	}

	p.Properties = append(p.Properties, Property{ID: id, Value: value})
	return nil
}
