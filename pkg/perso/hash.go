package perso

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
)

var ErrIntegrityMismatch = errors.New(
	"perso: host and device certificate hash mismatch")

// HashByteOrder selects how the device reported digest is compared
// against the host digest. The reference firmware serializes its digest
// as little-endian words from the tail, so the transmitted bytes are
// the host digest back to front; firmware that transmits the digest
// directly uses HashOrderDirect.
type HashByteOrder uint8

const (
	HashOrderReversed HashByteOrder = iota
	HashOrderDirect
)

// integrityHash folds every seed and every final certificate's bytes,
// in encounter order, into one running SHA-256. The order and content
// must match byte for byte what the device hashes over the data it
// persists to flash.
type integrityHash struct {
	digest hash.Hash
}

func newIntegrityHash() *integrityHash {
	return &integrityHash{
		digest: sha256.New(),
	}
}

func (h *integrityHash) Update(data []byte) {
	h.digest.Write(data)
}

func (h *integrityHash) Sum() []byte {
	return h.digest.Sum(nil)
}

// compareDeviceHash checks the device reported digest against the host
// digest under the configured byte order. A mismatch means the device
// persisted different bytes than the host computed, which cannot be
// retried without redoing the whole endorsement pass.
func compareDeviceHash(host, device []byte, order HashByteOrder) error {
	if len(device) != len(host) {
		return fmt.Errorf(
			"%w: host digest is %d bytes, device reported %d",
			ErrIntegrityMismatch, len(host), len(device))
	}

	compared := device
	if order == HashOrderReversed {
		compared = make([]byte, len(device))
		for i, octet := range device {
			compared[len(device)-1-i] = octet
		}
	}

	if !bytes.Equal(host, compared) {
		return fmt.Errorf("%w: host %x, device %x",
			ErrIntegrityMismatch, host, device)
	}
	return nil
}
