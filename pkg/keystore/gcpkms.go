package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"io"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jeremyhahn/go-perso/pkg/logging"
)

// KMSClient is the subset of the Cloud KMS client used for certificate
// endorsement. Tests substitute a local implementation.
type KMSClient interface {
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest,
		opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest,
		opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	Close() error
}

// KMSKey is an endorsement key held in Google Cloud KMS, referenced by
// its crypto key version resource name. Resolution is lazy: Signer only
// fetches the public key, and every signature is one AsymmetricSign
// call, so service failures surface at signing time rather than at
// resolution time.
type KMSKey struct {
	client KMSClient
	logger *logging.Logger
	name   string
}

func NewKMSKey(
	ctx context.Context,
	logger *logging.Logger,
	name string,
	opts ...option.ClientOption) (*KMSKey, error) {

	client, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyService, err)
	}
	return NewKMSKeyWithClient(client, logger, name), nil
}

// NewKMSKeyWithClient wires a pre-built client, used by tests and by
// callers that manage client lifecycle themselves.
func NewKMSKeyWithClient(
	client KMSClient,
	logger *logging.Logger,
	name string) *KMSKey {

	return &KMSKey{
		client: client,
		logger: logger,
		name:   name,
	}
}

func (key *KMSKey) Signer() (crypto.Signer, error) {

	key.logger.Info("using Cloud KMS key for cert endorsement",
		"name", key.name)

	resp, err := key.client.GetPublicKey(context.Background(),
		&kmspb.GetPublicKeyRequest{Name: key.name})
	if err != nil {
		return nil, fmt.Errorf("%w: get public key: %v", ErrKeyService, err)
	}

	block, _ := pem.Decode([]byte(resp.Pem))
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM encoded", ErrKeyService)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrKeyService, err)
	}

	return &kmsSigner{
		client: key.client,
		name:   key.name,
		pub:    pub,
	}, nil
}

func (key *KMSKey) Close() error {
	return key.client.Close()
}

type kmsSigner struct {
	client KMSClient
	name   string
	pub    crypto.PublicKey
}

func (signer *kmsSigner) Public() crypto.PublicKey {
	return signer.pub
}

// Sign submits one AsymmetricSign call. Request and response carry
// CRC32C checksums so corruption in transit is detected rather than
// endorsed into a certificate.
func (signer *kmsSigner) Sign(
	_ io.Reader,
	digest []byte,
	opts crypto.SignerOpts) ([]byte, error) {

	var digestMsg *kmspb.Digest
	hash := crypto.SHA256
	if opts != nil {
		hash = opts.HashFunc()
	}
	switch hash {
	case crypto.SHA256:
		digestMsg = &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{Sha256: digest},
		}
	case crypto.SHA384:
		digestMsg = &kmspb.Digest{
			Digest: &kmspb.Digest_Sha384{Sha384: digest},
		}
	case crypto.SHA512:
		digestMsg = &kmspb.Digest{
			Digest: &kmspb.Digest_Sha512{Sha512: digest},
		}
	default:
		return nil, fmt.Errorf(
			"%w: unsupported hash algorithm %v", ErrKeyService, hash)
	}

	resp, err := signer.client.AsymmetricSign(context.Background(),
		&kmspb.AsymmetricSignRequest{
			Name:         signer.name,
			Digest:       digestMsg,
			DigestCrc32C: wrapperspb.Int64(int64(crc32c(digest))),
		})
	if err != nil {
		return nil, fmt.Errorf("%w: asymmetric sign: %v", ErrKeyService, err)
	}

	if resp.SignatureCrc32C != nil &&
		resp.SignatureCrc32C.Value != int64(crc32c(resp.Signature)) {
		return nil, fmt.Errorf("%w: signature checksum mismatch", ErrKeyService)
	}

	return resp.Signature, nil
}

func crc32c(data []byte) uint32 {
	return crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
}
