// Package rowcodec encodes and decodes the opaque, metadata-tagged blob
// persisted in cache_index.data and cache_thread.data (spec §4.B).
//
// The original system joins an opaque, platform-serialized blob with
// positional metadata fields using a single '@' separator. That format is
// fragile (the separator can appear inside folder-derived tokens, and the
// blob relies on an ambient object serializer with no version marker). This
// package replaces it with a versioned envelope: a one-byte format version,
// a gob-encoded payload, and length-prefixed metadata fields, while
// preserving the exact positional semantics the original format relied on
// (spec §9).
package rowcodec

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
)

// Version is the current row blob format. Bump on any incompatible change to
// the payload shape and handle old versions explicitly in Decode.
const Version byte = 1

// Row is the decoded shape of a persisted index or thread blob: an opaque
// payload (a UID sequence for an index, a thread tree for a thread) plus the
// positional metadata fields that travel alongside it.
type Row struct {
	Payload  []byte   // gob-encoded index/thread payload, already extracted.
	Metadata []string // positional metadata fields, in declaration order.
}

// Encode serialises payload (any gob-encodable value) and the given ordered
// metadata fields into a single blob suitable for storage in the `data` text
// column.
func Encode(payload any, metadata ...string) ([]byte, error) {
	var payloadBuf bytes.Buffer

	if err := gob.NewEncoder(&payloadBuf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encoding row payload: %w", err)
	}

	var out bytes.Buffer

	out.WriteByte(Version)
	writeField(&out, payloadBuf.Bytes())

	for _, field := range metadata {
		writeField(&out, []byte(field))
	}

	return out.Bytes(), nil
}

// Decode parses a blob produced by Encode. A corrupt or truncated blob is
// not an error (spec §7 error kind 4, "corrupt row"). An empty blob, an
// unknown version byte or a truncated payload field yields a Row with a nil
// Payload and no metadata, so callers fall back to an empty index/thread
// object while still being free to reuse whatever metadata they read
// out-of-band (e.g. from separate DB columns). A blob truncated inside its
// metadata fields yields the payload and the fields read before the
// truncation.
func Decode(blob []byte) Row {
	if len(blob) == 0 {
		return Row{}
	}

	version, rest := blob[0], blob[1:]
	if version != Version {
		return Row{}
	}

	payload, rest, ok := readField(rest)
	if !ok {
		return Row{}
	}

	var metadata []string

	for len(rest) > 0 {
		field, next, ok := readField(rest)
		if !ok {
			return Row{Payload: payload, Metadata: metadata}
		}

		metadata = append(metadata, string(field))
		rest = next
	}

	return Row{Payload: payload, Metadata: metadata}
}

// DecodePayload decodes blob and gob-decodes its payload into dst. If the
// blob is empty or corrupt, or the payload fails to gob-decode, dst is left
// at its zero value and no error is returned: an empty/corrupt blob yields a
// fresh empty object per spec §4.B.
func DecodePayload(blob []byte, dst any) Row {
	row := Decode(blob)
	if row.Payload == nil {
		return row
	}

	if err := gob.NewDecoder(bytes.NewReader(row.Payload)).Decode(dst); err != nil {
		return Row{Metadata: row.Metadata}
	}

	return row
}

func writeField(out *bytes.Buffer, field []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	out.Write(lenBuf[:])
	out.Write(field)
}

func readField(buf []byte) (field []byte, rest []byte, ok bool) {
	if len(buf) < 4 {
		return nil, nil, false
	}

	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]

	if uint32(len(buf)) < n {
		return nil, nil, false
	}

	return buf[:n], buf[n:], true
}
