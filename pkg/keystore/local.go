package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"encoding/pem"
	"fmt"

	"github.com/spf13/afero"
	libpkcs8 "github.com/youmark/pkcs8"

	"github.com/jeremyhahn/go-perso/pkg/logging"
)

// LocalKey is an endorsement key backed by a PKCS #8 private key file,
// PEM or raw DER, optionally encrypted.
type LocalKey struct {
	fs       afero.Fs
	logger   *logging.Logger
	path     string
	password []byte
}

func NewLocalKey(
	fs afero.Fs,
	logger *logging.Logger,
	path string,
	password []byte) *LocalKey {

	return &LocalKey{
		fs:       fs,
		logger:   logger,
		path:     path,
		password: password,
	}
}

func (key *LocalKey) Signer() (crypto.Signer, error) {

	key.logger.Info("using local key for cert endorsement",
		"path", key.path)

	der, err := afero.ReadFile(key.fs, key.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyLoad, key.path, err)
	}
	if block, _ := pem.Decode(der); block != nil {
		der = block.Bytes
	}

	password := key.password
	if len(password) == 0 {
		password = nil
	}
	parsed, err := libpkcs8.ParsePKCS8PrivateKey(der, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyLoad, key.path, err)
	}

	ecdsaKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrivateKeyECDSA, key.path)
	}
	return ecdsaKey, nil
}
