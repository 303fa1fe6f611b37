// Package certs provides the X.509 operations behind device
// personalization: extracting a certificate's DER declared size,
// endorsing a device produced to-be-signed certificate with the factory
// signing key, and validating the endorsed chain against a trusted
// root.
package certs

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

var (
	ErrMalformedCertificate = errors.New("certs: malformed certificate")
	ErrSigningFailed        = errors.New("certs: certificate signing failed")
	ErrChainValidation      = errors.New("certs: certificate chain validation failed")
)

// CertificateSize parses the outer DER SEQUENCE header and returns the
// total encoded certificate length, header included. This reads only
// the tag and length octets, so it works on both complete certificates
// and bare to-be-signed payloads.
func CertificateSize(der []byte) (int, error) {
	if len(der) < 2 {
		return 0, fmt.Errorf(
			"%w: %d bytes is too short for a DER header",
			ErrMalformedCertificate, len(der))
	}
	// Constructed SEQUENCE tag
	if der[0] != 0x30 {
		return 0, fmt.Errorf(
			"%w: leading tag 0x%02x is not a DER SEQUENCE",
			ErrMalformedCertificate, der[0])
	}

	lengthOctet := der[1]
	if lengthOctet < 0x80 {
		// Short form
		return 2 + int(lengthOctet), nil
	}

	numOctets := int(lengthOctet & 0x7f)
	if numOctets == 0 || numOctets > 4 {
		return 0, fmt.Errorf(
			"%w: unsupported DER length form (%d octets)",
			ErrMalformedCertificate, numOctets)
	}
	if len(der) < 2+numOctets {
		return 0, fmt.Errorf(
			"%w: truncated DER length field", ErrMalformedCertificate)
	}

	contentLen := 0
	for _, octet := range der[2 : 2+numOctets] {
		contentLen = contentLen<<8 | int(octet)
	}
	return 2 + numOctets + contentLen, nil
}

// ParseCertificate parses a complete DER encoded certificate. Used as
// the acceptance check after endorsement and on passthrough
// certificates received from the device.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	return certificate, nil
}

// LoadCertificate reads a PEM or DER encoded certificate from the
// provided filesystem.
func LoadCertificate(fs afero.Fs, path string) (*x509.Certificate, error) {
	bytes, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCertificate, path, err)
	}
	if block, _ := pem.Decode(bytes); block != nil {
		bytes = block.Bytes
	}
	return ParseCertificate(bytes)
}
