package encoding

// ValidateProperty checks that value has the wire type required for the
// property ID, without encoding it.
func ValidateProperty(id PropertyID, value interface{}) error {
	spec, ok := propertySpecs[id]
	if !ok {
		return ErrInvalidPropertyID
	}

	switch spec.Type {
	case PropertyTypeByte:
		if _, ok := value.(byte); !ok {
			return ErrInvalidPropertyType
		}
	case PropertyTypeTwoByteInt:
		if _, ok := value.(uint16); !ok {
			return ErrInvalidPropertyType
		}
	case PropertyTypeFourByteInt:
		if _, ok := value.(uint32); !ok {
			return ErrInvalidPropertyType
		}
	case PropertyTypeVarInt:
		v, ok := value.(uint32)
		if !ok {
			return ErrInvalidPropertyType
		}
		if v > MaxVariableByteInteger {
			return ErrVariableByteIntegerTooLarge
		}
	case PropertyTypeUTF8String:
		if _, ok := value.(string); !ok {
			return ErrInvalidPropertyType
		}
	case PropertyTypeUTF8Pair:
		if _, ok := value.(UTF8Pair); !ok {
			return ErrInvalidPropertyType
		}
	case PropertyTypeBinaryData:
		if _, ok := value.([]byte); !ok {
			return ErrInvalidPropertyType
		}
	default:
		return ErrInvalidPropertyType
	}

	return nil
}

// CalculatePropertiesSize returns the total encoded size of a property
// block, including the leading variable-byte-integer length.
func CalculatePropertiesSize(props *Properties) int {
	length := props.calculateLength()
	varIntBytes, err := EncodeVariableByteInteger(length)
	if err != nil {
		return 0
	}
	return len(varIntBytes) + int(length)
}

// PropertySerializer encodes property blocks into a caller-owned buffer,
// reusing it across calls to avoid per-packet allocation.
type PropertySerializer struct {
	buf []byte
}

// NewPropertySerializer wraps buf for repeated property serialization.
func NewPropertySerializer(buf []byte) *PropertySerializer {
	return &PropertySerializer{buf: buf}
}

// Serialize encodes props into the serializer's buffer and returns the
// number of bytes written.
func (s *PropertySerializer) Serialize(props *Properties) (int, error) {
	return props.EncodePropertiesToBytes(s.buf)
}

// Buffer returns the serializer's underlying buffer.
func (s *PropertySerializer) Buffer() []byte {
	return s.buf
}

// PropertyBuilder accumulates properties fluently; validation (type checks,
// duplicate detection for single-occurrence properties) is deferred to
// Build so chains stay allocation-light.
type PropertyBuilder struct {
	props []Property
}

// NewPropertyBuilder returns an empty builder.
func NewPropertyBuilder() *PropertyBuilder {
	return &PropertyBuilder{}
}

func (b *PropertyBuilder) add(id PropertyID, value interface{}) *PropertyBuilder {
	b.props = append(b.props, Property{ID: id, Value: value})
	return b
}

// Build validates the accumulated properties and returns them as a
// Properties collection. A property that may only appear once appearing
// twice, or a value of the wrong type, is an error.
func (b *PropertyBuilder) Build() (*Properties, error) {
	result := &Properties{Properties: make([]Property, 0, len(b.props))}

	for i := range b.props {
		prop := &b.props[i]
		if err := ValidateProperty(prop.ID, prop.Value); err != nil {
			return nil, err
		}
		if err := result.AddProperty(prop.ID, prop.Value); err != nil {
			return nil, err
		}
	}

	result.Length = result.calculateLength()
	return result, nil
}

func (b *PropertyBuilder) WithPayloadFormat(v byte) *PropertyBuilder {
	return b.add(PropPayloadFormatIndicator, v)
}

func (b *PropertyBuilder) WithMessageExpiry(v uint32) *PropertyBuilder {
	return b.add(PropMessageExpiryInterval, v)
}

func (b *PropertyBuilder) WithContentType(v string) *PropertyBuilder {
	return b.add(PropContentType, v)
}

func (b *PropertyBuilder) WithResponseTopic(v string) *PropertyBuilder {
	return b.add(PropResponseTopic, v)
}

func (b *PropertyBuilder) WithCorrelationData(v []byte) *PropertyBuilder {
	return b.add(PropCorrelationData, v)
}

func (b *PropertyBuilder) WithSubscriptionIdentifier(v uint32) *PropertyBuilder {
	return b.add(PropSubscriptionIdentifier, v)
}

func (b *PropertyBuilder) WithSessionExpiry(v uint32) *PropertyBuilder {
	return b.add(PropSessionExpiryInterval, v)
}

func (b *PropertyBuilder) WithAssignedClientID(v string) *PropertyBuilder {
	return b.add(PropAssignedClientIdentifier, v)
}

func (b *PropertyBuilder) WithServerKeepAlive(v uint16) *PropertyBuilder {
	return b.add(PropServerKeepAlive, v)
}

func (b *PropertyBuilder) WithAuthenticationMethod(v string) *PropertyBuilder {
	return b.add(PropAuthenticationMethod, v)
}

func (b *PropertyBuilder) WithAuthenticationData(v []byte) *PropertyBuilder {
	return b.add(PropAuthenticationData, v)
}

func (b *PropertyBuilder) WithRequestProblemInfo(v byte) *PropertyBuilder {
	return b.add(PropRequestProblemInformation, v)
}

func (b *PropertyBuilder) WithWillDelay(v uint32) *PropertyBuilder {
	return b.add(PropWillDelayInterval, v)
}

func (b *PropertyBuilder) WithRequestResponseInfo(v byte) *PropertyBuilder {
	return b.add(PropRequestResponseInformation, v)
}

func (b *PropertyBuilder) WithResponseInfo(v string) *PropertyBuilder {
	return b.add(PropResponseInformation, v)
}

func (b *PropertyBuilder) WithServerReference(v string) *PropertyBuilder {
	return b.add(PropServerReference, v)
}

func (b *PropertyBuilder) WithReasonString(v string) *PropertyBuilder {
	return b.add(PropReasonString, v)
}

func (b *PropertyBuilder) WithReceiveMaximum(v uint16) *PropertyBuilder {
	return b.add(PropReceiveMaximum, v)
}

func (b *PropertyBuilder) WithTopicAliasMaximum(v uint16) *PropertyBuilder {
	return b.add(PropTopicAliasMaximum, v)
}

func (b *PropertyBuilder) WithTopicAlias(v uint16) *PropertyBuilder {
	return b.add(PropTopicAlias, v)
}

func (b *PropertyBuilder) WithMaximumQoS(v byte) *PropertyBuilder {
	return b.add(PropMaximumQoS, v)
}

func (b *PropertyBuilder) WithRetainAvailable(v byte) *PropertyBuilder {
	return b.add(PropRetainAvailable, v)
}

func (b *PropertyBuilder) WithUserProperty(key, value string) *PropertyBuilder {
	return b.add(PropUserProperty, UTF8Pair{Key: key, Value: value})
}

func (b *PropertyBuilder) WithMaximumPacketSize(v uint32) *PropertyBuilder {
	return b.add(PropMaximumPacketSize, v)
}

func (b *PropertyBuilder) WithWildcardSubscriptionAvailable(v byte) *PropertyBuilder {
	return b.add(PropWildcardSubscriptionAvailable, v)
}

func (b *PropertyBuilder) WithSubscriptionIdentifierAvailable(v byte) *PropertyBuilder {
	return b.add(PropSubscriptionIdentifierAvailable, v)
}

func (b *PropertyBuilder) WithSharedSubscriptionAvailable(v byte) *PropertyBuilder {
	return b.add(PropSharedSubscriptionAvailable, v)
}
