package perso

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

func reverseBytes(data []byte) []byte {
	out := make([]byte, len(data))
	for i, octet := range data {
		out[len(data)-1-i] = octet
	}
	return out
}

func TestIntegrityHashIncremental(t *testing.T) {

	h := newIntegrityHash()
	h.Update([]byte("seed material"))
	h.Update([]byte("certificate bytes"))

	expected := sha256.Sum256([]byte("seed materialcertificate bytes"))
	assert.Equal(t, expected[:], h.Sum())
}

func TestIntegrityHashOrderSensitive(t *testing.T) {

	first := newIntegrityHash()
	first.Update([]byte("aaa"))
	first.Update([]byte("bbb"))

	second := newIntegrityHash()
	second.Update([]byte("bbb"))
	second.Update([]byte("aaa"))

	assert.NotEqual(t, first.Sum(), second.Sum())
}

func TestCompareDeviceHash(t *testing.T) {

	host := sha256.Sum256([]byte("persisted certificates"))

	t.Run("reversed order", func(t *testing.T) {
		assert.Nil(t, compareDeviceHash(
			host[:], reverseBytes(host[:]), HashOrderReversed))
		assert.ErrorIs(t, compareDeviceHash(
			host[:], host[:], HashOrderReversed), ErrIntegrityMismatch)
	})

	t.Run("direct order", func(t *testing.T) {
		assert.Nil(t, compareDeviceHash(
			host[:], host[:], HashOrderDirect))
		assert.ErrorIs(t, compareDeviceHash(
			host[:], reverseBytes(host[:]), HashOrderDirect), ErrIntegrityMismatch)
	})

	t.Run("length mismatch", func(t *testing.T) {
		assert.ErrorIs(t, compareDeviceHash(
			host[:], host[:16], HashOrderReversed), ErrIntegrityMismatch)
	})

	t.Run("corrupted digest", func(t *testing.T) {
		device := reverseBytes(host[:])
		device[7] ^= 0x01
		assert.ErrorIs(t, compareDeviceHash(
			host[:], device, HashOrderReversed), ErrIntegrityMismatch)
	})
}
