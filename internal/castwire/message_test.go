package castwire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testMessage() Message {
	return Message{
		ProtocolVersion: ProtocolVersion,
		SourceID:        "sender-0",
		DestinationID:   "receiver-0",
		Namespace:       "urn:x-cast:com.google.cast.tp.heartbeat",
		PayloadType:     PayloadString,
		PayloadUTF8:     `{"type":"PING"}`,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		testMessage(),
		{},
		{ProtocolVersion: 0, SourceID: "", DestinationID: "receiver-0", Namespace: "", PayloadType: PayloadBinary, PayloadUTF8: ""},
		{SourceID: "sender-0", DestinationID: "transport-abc123", Namespace: "urn:x-cast:com.google.cast.media", PayloadUTF8: `{"type":"GET_STATUS","requestId":7}`},
	}

	for _, want := range cases {
		got, ok := Decode(want.Encode())
		require.True(t, ok)
		require.Equal(t, want, got)
	}
}

func TestDecodeTruncated(t *testing.T) {
	encoded := testMessage().Encode()

	// Every possible cut must return cleanly, never panic or hang. Cuts
	// landing exactly on a field boundary legitimately decode to a
	// partial message; mid-field cuts must fail.
	for cut := 0; cut < len(encoded); cut++ {
		Decode(encoded[:cut])
	}

	// Cut inside the payload string: must fail.
	_, ok := Decode(encoded[:len(encoded)-3])
	require.False(t, ok)

	// Cut immediately after a length prefix that promises more bytes.
	_, ok = Decode([]byte{fieldSourceID<<3 | wireBytes, 5, 'a', 'b'})
	require.False(t, ok)
}

func TestDecodeUnterminatedVarint(t *testing.T) {
	// protocolVersion tag followed by continuation bytes forever.
	data := []byte{fieldProtocolVersion<<3 | wireVarint}
	for i := 0; i < 11; i++ {
		data = append(data, 0xff)
	}
	_, ok := Decode(data)
	require.False(t, ok)

	// Varint that simply runs off the end of the buffer.
	_, ok = Decode([]byte{fieldProtocolVersion<<3 | wireVarint, 0x80, 0x80})
	require.False(t, ok)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	encoded := testMessage().Encode()

	// Prepend an unknown varint field (9) and an unknown bytes field (10).
	extra := []byte{9<<3 | wireVarint, 0x2a}
	extra = append(extra, 10<<3|wireBytes, 3, 'x', 'y', 'z')
	extra = append(extra, encoded...)

	got, ok := Decode(extra)
	require.True(t, ok)
	require.Equal(t, testMessage(), got)
}

func TestDecodeFieldOrderIndependent(t *testing.T) {
	want := testMessage()
	var buf []byte
	buf = appendStringField(buf, fieldPayloadUTF8, want.PayloadUTF8)
	buf = appendVarintField(buf, fieldPayloadType, uint64(want.PayloadType))
	buf = appendStringField(buf, fieldNamespace, want.Namespace)
	buf = appendStringField(buf, fieldDestinationID, want.DestinationID)
	buf = appendStringField(buf, fieldSourceID, want.SourceID)
	buf = appendVarintField(buf, fieldProtocolVersion, uint64(want.ProtocolVersion))

	got, ok := Decode(buf)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestFrameReassemblyByteAtATime(t *testing.T) {
	msgs := []Message{
		testMessage(),
		{SourceID: "sender-0", DestinationID: "receiver-0", Namespace: "urn:x-cast:com.google.cast.receiver", PayloadUTF8: `{"type":"GET_STATUS","requestId":1}`},
		{SourceID: "a", DestinationID: "b", Namespace: "c", PayloadUTF8: ""},
	}

	var stream []byte
	for _, m := range msgs {
		stream = AppendFrame(stream, m.Encode())
	}

	var all FrameBuffer
	atOnce := all.Feed(stream)
	require.Equal(t, msgs, atOnce)
	require.Zero(t, all.Pending())

	var drip FrameBuffer
	var got []Message
	for i := range stream {
		got = append(got, drip.Feed(stream[i:i+1])...)
	}
	require.Equal(t, msgs, got)
	require.Zero(t, drip.Pending())
}

func TestFrameBufferHoldsPartialFrame(t *testing.T) {
	frame := AppendFrame(nil, testMessage().Encode())

	var fb FrameBuffer
	require.Empty(t, fb.Feed(frame[:5]))
	require.Equal(t, 5, fb.Pending())

	got := fb.Feed(frame[5:])
	require.Len(t, got, 1)
	require.Equal(t, testMessage(), got[0])
}

func TestFrameBufferRejectsOversizedLength(t *testing.T) {
	var fb FrameBuffer
	require.Empty(t, fb.Feed([]byte{0xff, 0xff, 0xff, 0xff}))
	require.Zero(t, fb.Pending())
}
