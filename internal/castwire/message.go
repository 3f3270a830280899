// Package castwire implements the binary message format used on the
// Chromecast control channel: a minimal tagged-field encoding plus the
// 4-byte length framing the transport wraps around each message.
package castwire

// Field numbers of the channel message. Only these six fields are ever
// written; unknown fields received from a device are skipped.
const (
	fieldProtocolVersion = 1
	fieldSourceID        = 2
	fieldDestinationID   = 3
	fieldNamespace       = 4
	fieldPayloadType     = 5
	fieldPayloadUTF8     = 6
)

// Wire types within a tag byte.
const (
	wireVarint = 0
	wireBytes  = 2
)

// ProtocolVersion is the only channel protocol version in use.
const ProtocolVersion = 0

// Payload types carried in the payloadType field.
const (
	PayloadString = 0
	PayloadBinary = 1
)

// Message is one Chromecast channel message. The payload is a UTF-8
// JSON document with a "type" discriminator.
type Message struct {
	ProtocolVersion int
	SourceID        string
	DestinationID   string
	Namespace       string
	PayloadType     int
	PayloadUTF8     string
}

// Encode serializes the message into the tagged binary form. Fields are
// written in field-number order; decoders must not rely on that.
func (m Message) Encode() []byte {
	buf := make([]byte, 0, 64+len(m.PayloadUTF8))
	buf = appendVarintField(buf, fieldProtocolVersion, uint64(m.ProtocolVersion))
	buf = appendStringField(buf, fieldSourceID, m.SourceID)
	buf = appendStringField(buf, fieldDestinationID, m.DestinationID)
	buf = appendStringField(buf, fieldNamespace, m.Namespace)
	buf = appendVarintField(buf, fieldPayloadType, uint64(m.PayloadType))
	buf = appendStringField(buf, fieldPayloadUTF8, m.PayloadUTF8)
	return buf
}

// Decode parses a complete encoded message. It accepts fields in any
// order and skips unknown fields according to their wire type. Returns
// false on truncated input or a malformed varint.
func Decode(data []byte) (Message, bool) {
	var m Message
	pos := 0
	for pos < len(data) {
		tag := data[pos]
		pos++
		field := int(tag >> 3)
		wire := int(tag & 0x7)

		switch wire {
		case wireVarint:
			v, n := readVarint(data[pos:])
			if n <= 0 {
				return Message{}, false
			}
			pos += n
			switch field {
			case fieldProtocolVersion:
				m.ProtocolVersion = int(v)
			case fieldPayloadType:
				m.PayloadType = int(v)
			}
		case wireBytes:
			length, n := readVarint(data[pos:])
			if n <= 0 {
				return Message{}, false
			}
			pos += n
			if uint64(len(data)-pos) < length {
				return Message{}, false
			}
			s := string(data[pos : pos+int(length)])
			pos += int(length)
			switch field {
			case fieldSourceID:
				m.SourceID = s
			case fieldDestinationID:
				m.DestinationID = s
			case fieldNamespace:
				m.Namespace = s
			case fieldPayloadUTF8:
				m.PayloadUTF8 = s
			}
		default:
			// Wire types we never emit and cannot skip safely.
			return Message{}, false
		}
	}
	return m, true
}

func appendVarintField(buf []byte, field int, v uint64) []byte {
	buf = append(buf, byte(field<<3|wireVarint))
	return appendVarint(buf, v)
}

func appendStringField(buf []byte, field int, s string) []byte {
	buf = append(buf, byte(field<<3|wireBytes))
	buf = appendVarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// readVarint decodes an unsigned base-128 varint. Returns the value and
// the number of bytes consumed, or n <= 0 when the input is truncated
// or the varint does not terminate within 64 bits.
func readVarint(data []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		b := data[i]
		if shift >= 64 {
			return 0, -1
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}
