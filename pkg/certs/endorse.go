package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// ecdsa-with-SHA256, RFC 5758. The device firmware only produces
// to-be-signed certificates declaring this algorithm.
var oidSignatureECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}

// certificate mirrors the outer X.509 structure: the to-be-signed
// payload carried verbatim, the signature algorithm and the signature.
// Marshaling through encoding/asn1 recomputes every DER length field.
type certificate struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	SignatureValue     asn1.BitString
}

// Endorse signs a device produced to-be-signed certificate and
// re-serializes it as a complete certificate. The signed content of the
// output is byte-identical to the input payload. The caller re-parses
// the result as the acceptance check; this function only guarantees the
// structural transformation.
func Endorse(tbs []byte, signer crypto.Signer) ([]byte, error) {

	raw, err := parseTBS(tbs)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(raw.FullBytes)
	signature, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	der, err := asn1.Marshal(certificate{
		TBSCertificate: raw,
		SignatureAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm: oidSignatureECDSAWithSHA256,
		},
		SignatureValue: asn1.BitString{
			Bytes:     signature,
			BitLength: len(signature) * 8,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return der, nil
}

// parseTBS validates that the payload is a single DER SEQUENCE whose
// inner signature algorithm matches the one the host signs with. The
// signature algorithm is the third element of the TBSCertificate, after
// the optional version and the serial number.
func parseTBS(tbs []byte) (asn1.RawValue, error) {

	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(tbs, &raw)
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	if len(rest) > 0 {
		return asn1.RawValue{}, fmt.Errorf(
			"%w: %d trailing bytes after to-be-signed certificate",
			ErrMalformedCertificate, len(rest))
	}
	if raw.Class != asn1.ClassUniversal || raw.Tag != asn1.TagSequence || !raw.IsCompound {
		return asn1.RawValue{}, fmt.Errorf(
			"%w: to-be-signed payload is not a DER SEQUENCE",
			ErrMalformedCertificate)
	}

	// Skip the explicit [0] version if present, then the serial number.
	var field asn1.RawValue
	inner, err := asn1.Unmarshal(raw.Bytes, &field)
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	if field.Class == asn1.ClassContextSpecific && field.Tag == 0 {
		inner, err = asn1.Unmarshal(inner, &field)
		if err != nil {
			return asn1.RawValue{}, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
		}
	}

	var algorithm pkix.AlgorithmIdentifier
	if _, err := asn1.Unmarshal(inner, &algorithm); err != nil {
		return asn1.RawValue{}, fmt.Errorf(
			"%w: missing signature algorithm: %v", ErrMalformedCertificate, err)
	}
	if !algorithm.Algorithm.Equal(oidSignatureECDSAWithSHA256) {
		return asn1.RawValue{}, fmt.Errorf(
			"%w: unsupported signature algorithm %v",
			ErrSigningFailed, algorithm.Algorithm)
	}

	return raw, nil
}
