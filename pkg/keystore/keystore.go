// Package keystore provides the certificate endorsement key sources
// used during personalization: a PKCS #8 private key file for offline
// signing, or a Google Cloud KMS key reference for cloud signing.
// Exactly one source is active per personalization run; it is resolved
// once into a crypto.Signer and used for every unendorsed certificate
// in that run. No key material is cached beyond the run.
package keystore

import (
	"crypto"
	"errors"
)

var (
	ErrKeyLoad                = errors.New("keystore: failed to load endorsement key")
	ErrKeyService             = errors.New("keystore: key service error")
	ErrInvalidPrivateKeyECDSA = errors.New("keystore: invalid ECDSA private key")
)

// EndorsementKey resolves a signing key source into a usable signing
// capability.
type EndorsementKey interface {

	// Signer resolves the key into a crypto.Signer. Local keys load
	// and decode the key material here; KMS keys only fetch the public
	// half, deferring each signature to a per-operation service call.
	Signer() (crypto.Signer, error)
}
