package rowcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	uids := []uint32{9, 7, 3}

	blob, err := Encode(uids, "DATE", "1", "42", "10")
	require.NoError(t, err)

	var got []uint32

	row := DecodePayload(blob, &got)
	require.Equal(t, uids, got)
	require.Equal(t, []string{"DATE", "1", "42", "10"}, row.Metadata)
}

func TestDecodeEmptyBlobYieldsEmptyRow(t *testing.T) {
	row := Decode(nil)
	require.Nil(t, row.Payload)
	require.Nil(t, row.Metadata)
}

func TestDecodeCorruptBlobYieldsEmptyPayload(t *testing.T) {
	corrupt := []byte{Version, 0xff, 0xff, 0xff, 0xff}

	row := Decode(corrupt)
	require.Nil(t, row.Payload)
}

func TestDecodeWrongVersionYieldsEmptyRow(t *testing.T) {
	blob, err := Encode([]uint32{1}, "x")
	require.NoError(t, err)

	blob[0] = Version + 1

	row := Decode(blob)
	require.Nil(t, row.Payload)
	require.Nil(t, row.Metadata)
}

func TestDecodePayloadCorruptGobKeepsMetadata(t *testing.T) {
	// Hand-build a blob whose payload field is not valid gob, so the caller
	// still gets its metadata back.
	payload := []byte("not gob")
	metadata := []string{"DATE", "1"}

	blob := buildBlob(payload, metadata)

	var dst []uint32

	row := DecodePayload(blob, &dst)
	require.Nil(t, dst)
	require.Equal(t, metadata, row.Metadata)
}

func buildBlob(payload []byte, metadata []string) []byte {
	var fields [][]byte

	fields = append(fields, payload)

	for _, m := range metadata {
		fields = append(fields, []byte(m))
	}

	blob := []byte{Version}

	for _, f := range fields {
		var lenBuf [4]byte

		n := uint32(len(f))
		lenBuf[0] = byte(n >> 24)
		lenBuf[1] = byte(n >> 16)
		lenBuf[2] = byte(n >> 8)
		lenBuf[3] = byte(n)

		blob = append(blob, lenBuf[:]...)
		blob = append(blob, f...)
	}

	return blob
}
