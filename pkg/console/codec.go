package console

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jeremyhahn/go-perso/pkg/tlv"
)

// The personalization firmware serializes structures as single line
// JSON with byte and word arrays rendered as number lists. These
// wire structs mirror the device's field names.

type blobJSON struct {
	NumObjs  uint32 `json:"num_objs"`
	NextFree uint32 `json:"next_free"`
	Body     []int  `json:"body"`
}

type hashJSON struct {
	Data []uint32 `json:"data"`
}

const hashWords = 8

// EncodeBlob renders a blob as the device's JSON wire form.
func EncodeBlob(blob *tlv.Blob) ([]byte, error) {
	body := make([]int, len(blob.Body))
	for i, octet := range blob.Body {
		body[i] = int(octet)
	}
	return json.Marshal(blobJSON{
		NumObjs:  uint32(blob.NumObjects),
		NextFree: uint32(blob.NextFree),
		Body:     body,
	})
}

// DecodeBlob parses the device's JSON wire form into a blob.
func DecodeBlob(data []byte) (*tlv.Blob, error) {
	var wire blobJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("console: malformed blob payload: %w", err)
	}
	body := make([]byte, len(wire.Body))
	for i, value := range wire.Body {
		if value < 0 || value > 0xff {
			return nil, fmt.Errorf(
				"console: blob body value %d at offset %d is not a byte",
				value, i)
		}
		body[i] = byte(value)
	}
	return &tlv.Blob{
		NumObjects: int(wire.NumObjs),
		NextFree:   int(wire.NextFree),
		Body:       body,
	}, nil
}

// DecodeHash parses the device reported digest. The device emits the
// digest as eight 32-bit words which it serializes little-endian; the
// bytes are returned exactly as the device ordered them, leaving byte
// order interpretation to the integrity comparator.
func DecodeHash(data []byte) ([]byte, error) {
	var wire hashJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("console: malformed hash payload: %w", err)
	}
	if len(wire.Data) != hashWords {
		return nil, fmt.Errorf(
			"console: device hash has %d words, expected %d",
			len(wire.Data), hashWords)
	}
	digest := make([]byte, 0, hashWords*4)
	for _, word := range wire.Data {
		digest = binary.LittleEndian.AppendUint32(digest, word)
	}
	return digest, nil
}
