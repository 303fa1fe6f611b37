package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// MockKMSClient is an in-process implementation of the KMSClient
// interface backed by a local ECDSA key. Tests exercise the KMS signer
// path without a network dependency; individual calls can be overridden
// through the Func fields to inject failures.
type MockKMSClient struct {
	GetPublicKeyFunc func(ctx context.Context, req *kmspb.GetPublicKeyRequest,
		opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSignFunc func(ctx context.Context, req *kmspb.AsymmetricSignRequest,
		opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	CloseFunc func() error

	Key *ecdsa.PrivateKey
}

func (m *MockKMSClient) GetPublicKey(
	ctx context.Context,
	req *kmspb.GetPublicKeyRequest,
	opts ...gax.CallOption) (*kmspb.PublicKey, error) {

	if m.GetPublicKeyFunc != nil {
		return m.GetPublicKeyFunc(ctx, req, opts...)
	}

	der, err := x509.MarshalPKIXPublicKey(&m.Key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &kmspb.PublicKey{
		Name: req.Name,
		Pem: string(pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: der,
		})),
	}, nil
}

func (m *MockKMSClient) AsymmetricSign(
	ctx context.Context,
	req *kmspb.AsymmetricSignRequest,
	opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {

	if m.AsymmetricSignFunc != nil {
		return m.AsymmetricSignFunc(ctx, req, opts...)
	}

	digest := req.Digest.GetSha256()
	if digest == nil {
		return nil, fmt.Errorf("mock kms: only SHA-256 digests supported")
	}
	if req.DigestCrc32C != nil && req.DigestCrc32C.Value != int64(crc32c(digest)) {
		return nil, fmt.Errorf("mock kms: digest checksum mismatch")
	}

	signature, err := ecdsa.SignASN1(rand.Reader, m.Key, digest)
	if err != nil {
		return nil, err
	}
	return &kmspb.AsymmetricSignResponse{
		Name:            req.Name,
		Signature:       signature,
		SignatureCrc32C: wrapperspb.Int64(int64(crc32c(signature))),
	}, nil
}

func (m *MockKMSClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}
