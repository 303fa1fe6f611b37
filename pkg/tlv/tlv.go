// Package tlv implements the personalization TLV wire format exchanged
// with the device during factory provisioning. A personalization blob
// packs a sequence of typed objects, each prefixed with a 2 byte
// big-endian bit-packed header. Certificate objects carry an additional
// 2 byte wrapper header followed by the certificate name and DER body.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jeremyhahn/go-perso/pkg/certs"
	"github.com/jeremyhahn/go-perso/pkg/logging"
)

// ObjectType identifies the payload carried by one TLV object.
type ObjectType uint16

const (
	ObjectTypeUnendorsedX509Cert ObjectType = 0
	ObjectTypeEndorsedX509Cert   ObjectType = 1
	ObjectTypeDevSeed            ObjectType = 2
)

// Protocol constants. The bit-range split between the size and type
// fields and between the wrapped-size and name-length fields is fixed
// by the device firmware and must not be re-derived.
const (
	ObjectHeaderSize = 2
	CertHeaderSize   = 2

	objSizeFieldShift = 0
	objSizeFieldWidth = 12
	objSizeFieldMask  = (1 << objSizeFieldWidth) - 1
	objTypeFieldShift = objSizeFieldWidth
	objTypeFieldMask  = (1 << (16 - objSizeFieldWidth)) - 1

	crthSizeFieldShift = 0
	crthSizeFieldWidth = 12
	crthSizeFieldMask  = (1 << crthSizeFieldWidth) - 1
	crthNameFieldShift = crthSizeFieldWidth
	crthNameFieldMask  = (1 << (16 - crthSizeFieldWidth)) - 1

	// MaxObjectSize is the largest value the object size field can hold.
	MaxObjectSize = objSizeFieldMask

	// MaxCertNameLen is the largest value the name length field can hold.
	MaxCertNameLen = crthNameFieldMask

	// MaxResponseSize is the hard protocol limit on the blob sent back
	// to the device.
	MaxResponseSize = 4096
)

var (
	ErrTruncatedInput   = errors.New("tlv: truncated input")
	ErrSizeOverflow     = errors.New("tlv: declared size exceeds remaining buffer")
	ErrSizeMismatch     = errors.New("tlv: size mismatch")
	ErrInvalidEncoding  = errors.New("tlv: invalid encoding")
	ErrCapacityExceeded = errors.New("tlv: response blob capacity exceeded")
)

// ObjectHeader is the decoded form of the 2 byte object header. Size
// includes the header itself.
type ObjectHeader struct {
	Type ObjectType
	Size int
}

// CertEnvelope is the decoded form of a certificate object payload:
// the wrapper header, the certificate name and the DER encoded body.
// WrappedSize covers the wrapper header, name and body.
type CertEnvelope struct {
	WrappedSize int
	Name        string
	Body        []byte
}

func objectHeaderFields(header uint16) (size int, objType ObjectType) {
	size = int((header >> objSizeFieldShift) & objSizeFieldMask)
	objType = ObjectType((header >> objTypeFieldShift) & objTypeFieldMask)
	return size, objType
}

func certHeaderFields(header uint16) (wrappedSize, nameLen int) {
	wrappedSize = int((header >> crthSizeFieldShift) & crthSizeFieldMask)
	nameLen = int((header >> crthNameFieldShift) & crthNameFieldMask)
	return wrappedSize, nameLen
}

// MakeObjectHeader packs an object size and type into the 2 byte
// header field. The size must cover the header itself.
func MakeObjectHeader(size int, objType ObjectType) (uint16, error) {
	if size < ObjectHeaderSize || size > MaxObjectSize {
		return 0, fmt.Errorf("%w: object size %d outside field range",
			ErrSizeOverflow, size)
	}
	header := (uint16(size)&objSizeFieldMask)<<objSizeFieldShift |
		(uint16(objType)&objTypeFieldMask)<<objTypeFieldShift
	return header, nil
}

// MakeCertHeader packs a certificate wrapped size and name length into
// the 2 byte wrapper header field.
func MakeCertHeader(wrappedSize, nameLen int) (uint16, error) {
	if wrappedSize < CertHeaderSize || wrappedSize > crthSizeFieldMask {
		return 0, fmt.Errorf("%w: wrapped size %d outside field range",
			ErrSizeOverflow, wrappedSize)
	}
	if nameLen < 0 || nameLen > MaxCertNameLen {
		return 0, fmt.Errorf("%w: cert name length %d exceeds maximum %d",
			ErrInvalidEncoding, nameLen, MaxCertNameLen)
	}
	header := (uint16(wrappedSize)&crthSizeFieldMask)<<crthSizeFieldShift |
		(uint16(nameLen)&crthNameFieldMask)<<crthNameFieldShift
	return header, nil
}

// ParseObjectHeader decodes one object header from the start of buf.
// The declared object size must cover the header itself and is
// validated against the bytes remaining in the buffer; the caller
// advances the cursor past the header before reading the payload.
func ParseObjectHeader(buf []byte) (ObjectHeader, error) {
	if len(buf) < ObjectHeaderSize {
		return ObjectHeader{}, fmt.Errorf(
			"%w: %d bytes remaining, object header requires %d",
			ErrTruncatedInput, len(buf), ObjectHeaderSize)
	}
	header := binary.BigEndian.Uint16(buf)
	size, objType := objectHeaderFields(header)
	if size < ObjectHeaderSize {
		return ObjectHeader{}, fmt.Errorf(
			"%w: object type %d declares %d bytes, header alone is %d",
			ErrSizeOverflow, objType, size, ObjectHeaderSize)
	}
	if size > len(buf) {
		return ObjectHeader{}, fmt.Errorf(
			"%w: object type %d declares %d bytes, %d remaining",
			ErrSizeOverflow, objType, size, len(buf))
	}
	return ObjectHeader{Type: objType, Size: size}, nil
}

// ParseCertEnvelope decodes a certificate wrapper starting at the cert
// header. The certificate's DER declared length is independently
// checked against the TLV derived body length; the two disagreeing
// means the wrapper and the certificate encoding were produced from
// different byte counts and the object cannot be trusted.
func ParseCertEnvelope(buf []byte, logger *logging.Logger) (CertEnvelope, error) {
	if len(buf) < CertHeaderSize {
		return CertEnvelope{}, fmt.Errorf(
			"%w: %d bytes remaining, cert header requires %d",
			ErrTruncatedInput, len(buf), CertHeaderSize)
	}
	header := binary.BigEndian.Uint16(buf)
	wrappedSize, nameLen := certHeaderFields(header)
	if wrappedSize > len(buf) {
		return CertEnvelope{}, fmt.Errorf(
			"%w: cert object declares %d bytes, %d remaining",
			ErrSizeOverflow, wrappedSize, len(buf))
	}
	if CertHeaderSize+nameLen > wrappedSize {
		return CertEnvelope{}, fmt.Errorf(
			"%w: cert name length %d exceeds wrapped size %d",
			ErrSizeOverflow, nameLen, wrappedSize)
	}

	name := buf[CertHeaderSize : CertHeaderSize+nameLen]
	if !utf8.Valid(name) {
		return CertEnvelope{}, fmt.Errorf(
			"%w: cert name is not valid UTF-8", ErrInvalidEncoding)
	}

	logger.Info("processing cert", "name", string(name))

	body := make([]byte, wrappedSize-CertHeaderSize-nameLen)
	copy(body, buf[CertHeaderSize+nameLen:wrappedSize])

	certSize, err := certs.CertificateSize(body)
	if err != nil {
		return CertEnvelope{}, fmt.Errorf(
			"tlv: cert %q: %w", string(name), err)
	}
	if certSize != len(body) {
		return CertEnvelope{}, fmt.Errorf(
			"%w: cert %q declares %d bytes, wrapper carries %d",
			ErrSizeMismatch, string(name), certSize, len(body))
	}

	return CertEnvelope{
		WrappedSize: wrappedSize,
		Name:        string(name),
		Body:        body,
	}, nil
}
