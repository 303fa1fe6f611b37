package tlv

import (
	"encoding/binary"
	"fmt"
)

// Blob is the container exchanged with the device in both directions.
// NumObjects TLV objects are packed sequentially from offset 0 of Body;
// NextFree is the first unused offset.
type Blob struct {
	NumObjects int
	NextFree   int
	Body       []byte
}

// ResponseBuilder accumulates host endorsed certificates into the TLV
// blob sent back to the device. The capacity is the protocol's hard
// response limit, not a tunable; appending past it fails with
// ErrCapacityExceeded.
type ResponseBuilder struct {
	buf   []byte
	count int
}

func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{
		buf: make([]byte, 0, MaxResponseSize),
	}
}

// AddEndorsedCert appends one endorsed certificate object: object
// header, cert wrapper header, name bytes, DER body. Only certificates
// endorsed by the host go through here; passthrough certificates and
// seeds are never re-sent to the device.
func (b *ResponseBuilder) AddEndorsedCert(name string, der []byte) error {

	wrappedSize := CertHeaderSize + len(name) + len(der)
	totalSize := ObjectHeaderSize + wrappedSize

	objHeader, err := MakeObjectHeader(totalSize, ObjectTypeEndorsedX509Cert)
	if err != nil {
		return fmt.Errorf("tlv: cert %q: %w", name, err)
	}
	certHeader, err := MakeCertHeader(wrappedSize, len(name))
	if err != nil {
		return fmt.Errorf("tlv: cert %q: %w", name, err)
	}

	if len(b.buf)+totalSize > MaxResponseSize {
		return fmt.Errorf(
			"%w: cert %q needs %d bytes, %d of %d used",
			ErrCapacityExceeded, name, totalSize, len(b.buf), MaxResponseSize)
	}

	b.buf = binary.BigEndian.AppendUint16(b.buf, objHeader)
	b.buf = binary.BigEndian.AppendUint16(b.buf, certHeader)
	b.buf = append(b.buf, name...)
	b.buf = append(b.buf, der...)
	b.count++

	return nil
}

// Count returns the number of objects appended so far.
func (b *ResponseBuilder) Count() int {
	return b.count
}

// Len returns the number of bytes used so far.
func (b *ResponseBuilder) Len() int {
	return len(b.buf)
}

// Bytes returns the accumulated object bytes.
func (b *ResponseBuilder) Bytes() []byte {
	return b.buf
}

// Blob wraps the accumulated objects into an outbound Blob.
func (b *ResponseBuilder) Blob() *Blob {
	return &Blob{
		NumObjects: b.count,
		NextFree:   len(b.buf),
		Body:       b.buf,
	}
}
