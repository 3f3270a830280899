package castwire

import "encoding/binary"

// maxFrameSize guards against a corrupt length prefix committing us to
// buffering an absurd frame. Cast messages are small; 1 MiB is generous.
const maxFrameSize = 1 << 20

// AppendFrame wraps an encoded message with the transport's 4-byte
// big-endian length prefix.
func AppendFrame(dst, encoded []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(encoded)))
	dst = append(dst, hdr[:]...)
	return append(dst, encoded...)
}

// FrameBuffer reassembles frames from an arbitrarily fragmented TCP
// stream. Feed returns every complete message available after the new
// bytes are appended; partial trailing data is retained for the next
// call.
type FrameBuffer struct {
	buf []byte
}

// Feed appends stream bytes and returns all newly completed messages.
// Messages that fail to decode are dropped; the stream stays in sync
// because framing is handled before decoding.
func (f *FrameBuffer) Feed(data []byte) []Message {
	f.buf = append(f.buf, data...)

	var msgs []Message
	for {
		if len(f.buf) < 4 {
			break
		}
		length := int(binary.BigEndian.Uint32(f.buf[:4]))
		if length > maxFrameSize {
			// Unrecoverable: drop the buffer and let the caller's read
			// loop surface the broken connection.
			f.buf = nil
			break
		}
		if len(f.buf) < 4+length {
			break
		}
		if m, ok := Decode(f.buf[4 : 4+length]); ok {
			msgs = append(msgs, m)
		}
		f.buf = f.buf[4+length:]
	}

	// Release the backing array once fully drained so long sessions do
	// not pin the largest frame seen.
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return msgs
}

// Pending reports buffered bytes awaiting frame completion.
func (f *FrameBuffer) Pending() int { return len(f.buf) }
