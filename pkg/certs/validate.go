package certs

import (
	"crypto/x509"
	"fmt"
)

// EndorsedCert records one certificate the host endorsed during a
// personalization run, retained for post hoc chain validation.
// IgnoreCriticalExtensions is set only for the reserved identity
// certificate, which carries a known non-standard critical extension.
type EndorsedCert struct {
	Name                     string
	Bytes                    []byte
	IgnoreCriticalExtensions bool
}

// ValidateChain verifies that every endorsed certificate chains to the
// trusted root. The first certificate that fails to validate aborts
// with its name in the error.
func ValidateChain(root *x509.Certificate, records []EndorsedCert) error {

	roots := x509.NewCertPool()
	roots.AddCert(root)

	for _, record := range records {

		certificate, err := x509.ParseCertificate(record.Bytes)
		if err != nil {
			return fmt.Errorf("%w: cert %q: %v",
				ErrChainValidation, record.Name, err)
		}

		if record.IgnoreCriticalExtensions {
			certificate.UnhandledCriticalExtensions = nil
		}

		opts := x509.VerifyOptions{
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := certificate.Verify(opts); err != nil {
			return fmt.Errorf("%w: cert %q: %v",
				ErrChainValidation, record.Name, err)
		}
	}

	return nil
}
