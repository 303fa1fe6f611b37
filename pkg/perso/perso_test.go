package perso

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jeremyhahn/go-perso/pkg/certs"
	"github.com/jeremyhahn/go-perso/pkg/console"
	"github.com/jeremyhahn/go-perso/pkg/logging"
	"github.com/jeremyhahn/go-perso/pkg/tlv"
)

// testKey adapts a plain signer to the endorsement key interface.
type testKey struct {
	signer crypto.Signer
	err    error
}

func (k *testKey) Signer() (crypto.Signer, error) {
	return k.signer, k.err
}

// countingSigner records how many signatures were requested.
type countingSigner struct {
	signer crypto.Signer
	calls  int
}

func (s *countingSigner) Public() crypto.PublicKey {
	return s.signer.Public()
}

func (s *countingSigner) Sign(rand io.Reader, digest []byte,
	opts crypto.SignerOpts) ([]byte, error) {
	s.calls++
	return s.signer.Sign(rand, digest, opts)
}

type testCA struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.Nil(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Factory Signing CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	assert.Nil(t, err)

	cert, err := x509.ParseCertificate(der)
	assert.Nil(t, err)

	return &testCA{key: key, cert: cert}
}

// newLeaf issues a leaf under the CA and returns both the complete DER
// and its to-be-signed payload.
func (ca *testCA) newLeaf(t *testing.T, commonName string) (der, tbs []byte) {
	t.Helper()

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.Nil(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err = x509.CreateCertificate(
		rand.Reader, template, ca.cert, &leafKey.PublicKey, ca.key)
	assert.Nil(t, err)

	cert, err := x509.ParseCertificate(der)
	assert.Nil(t, err)

	return der, cert.RawTBSCertificate
}

func seedObject(t *testing.T, seeds []byte) []byte {
	t.Helper()
	header, err := tlv.MakeObjectHeader(
		tlv.ObjectHeaderSize+len(seeds), tlv.ObjectTypeDevSeed)
	assert.Nil(t, err)
	return append(binary.BigEndian.AppendUint16(nil, header), seeds...)
}

func certObject(t *testing.T, objType tlv.ObjectType, name string, body []byte) []byte {
	t.Helper()

	wrappedSize := tlv.CertHeaderSize + len(name) + len(body)
	objHeader, err := tlv.MakeObjectHeader(
		tlv.ObjectHeaderSize+wrappedSize, objType)
	assert.Nil(t, err)
	certHeader, err := tlv.MakeCertHeader(wrappedSize, len(name))
	assert.Nil(t, err)

	buf := binary.BigEndian.AppendUint16(nil, objHeader)
	buf = binary.BigEndian.AppendUint16(buf, certHeader)
	buf = append(buf, name...)
	return append(buf, body...)
}

func deviceBlob(objects ...[]byte) *tlv.Blob {
	var body []byte
	for _, object := range objects {
		body = append(body, object...)
	}
	return &tlv.Blob{
		NumObjects: len(objects),
		NextFree:   len(body),
		Body:       body,
	}
}

func newTestPersonalizer(t *testing.T, params Params) *Personalizer {
	t.Helper()
	if params.Logger == nil {
		params.Logger = logging.NewLoggerWithHandler(logging.NewRecordingHandler())
	}
	p, err := New(params)
	assert.Nil(t, err)
	return p
}

func TestNewValidation(t *testing.T) {

	ca := newTestCA(t)
	logger := logging.NewLoggerWithHandler(logging.NewRecordingHandler())
	device := &console.FakeConsole{}
	key := &testKey{signer: ca.key}

	testCases := []struct {
		name      string
		params    Params
		expectErr error
	}{
		{
			name:      "missing logger",
			params:    Params{Console: device, Key: key, Root: ca.cert},
			expectErr: ErrNoLogger,
		},
		{
			name:      "missing console",
			params:    Params{Logger: logger, Key: key, Root: ca.cert},
			expectErr: ErrNoConsole,
		},
		{
			name:      "missing key",
			params:    Params{Logger: logger, Console: device, Root: ca.cert},
			expectErr: ErrNoKey,
		},
		{
			name:      "missing root",
			params:    Params{Logger: logger, Console: device, Key: key},
			expectErr: ErrNoRoot,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.params)
			assert.ErrorIs(t, err, tc.expectErr)
		})
	}

	p, err := New(Params{Logger: logger, Console: device, Key: key, Root: ca.cert})
	assert.Nil(t, err)
	assert.Equal(t, StateAwaitingInputs, p.State())
}

// A run over a blob that needs no endorsement: one seed object, empty
// response, device hash covering only the seeds.
func TestRunSeedsOnly(t *testing.T) {

	ca := newTestCA(t)
	seeds := make([]byte, 128)
	for i := range seeds {
		seeds[i] = byte(i)
	}

	hostHash := sha256.Sum256(seeds)
	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(seedObject(t, seeds)),
		DeviceHash: reverseBytes(hostHash[:]),
	}

	p := newTestPersonalizer(t, Params{
		Console:    device,
		Key:        &testKey{signer: ca.key},
		Root:       ca.cert,
		CertInputs: []byte(`{"cert_inputs":[]}`),
	})
	assert.Nil(t, p.Run())
	assert.Equal(t, StateDone, p.State())

	// Nothing to endorse means an empty response blob
	assert.Len(t, device.SentBlobs, 1)
	assert.Equal(t, 0, device.SentBlobs[0].NumObjects)
	assert.Empty(t, device.SentBlobs[0].Body)

	assert.Equal(t, []string{
		console.MarkerCertInputs,
		console.MarkerExportCerts,
		console.MarkerImportCerts,
		console.MarkerImportDone,
		console.MarkerPersoDone,
	}, device.WaitedMarkers)
	assert.Equal(t, [][]byte{[]byte(`{"cert_inputs":[]}`)}, device.SentPayloads)
}

// A run mixing an unendorsed identity certificate with a passthrough
// certificate the device already endorsed. Only the host endorsed
// certificate goes back; the device hash covers both in encounter
// order.
func TestRunEndorsementAndPassthrough(t *testing.T) {

	ca := newTestCA(t)
	logger := logging.NewLoggerWithHandler(logging.NewRecordingHandler())

	_, udsTBS := ca.newLeaf(t, "device identity")
	ownerDER, _ := ca.newLeaf(t, "owner firmware")

	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(
			certObject(t, tlv.ObjectTypeUnendorsedX509Cert, "UDS", udsTBS),
			certObject(t, tlv.ObjectTypeEndorsedX509Cert, "OWNER", ownerDER),
		),
		// The signature over the identity certificate differs per run,
		// so the expected device hash is derived from what the host
		// actually sent back.
		HashFunc: func(sent []*tlv.Blob) ([]byte, error) {
			envelope, err := tlv.ParseCertEnvelope(
				sent[0].Body[tlv.ObjectHeaderSize:], logger)
			if err != nil {
				return nil, err
			}
			digest := sha256.New()
			digest.Write(envelope.Body)
			digest.Write(ownerDER)
			return reverseBytes(digest.Sum(nil)), nil
		},
	}

	p := newTestPersonalizer(t, Params{
		Logger:  logger,
		Console: device,
		Key:     &testKey{signer: ca.key},
		Root:    ca.cert,
	})
	assert.Nil(t, p.Run())
	assert.Equal(t, StateDone, p.State())

	// Exactly the endorsed identity certificate goes back
	assert.Len(t, device.SentBlobs, 1)
	response := device.SentBlobs[0]
	assert.Equal(t, 1, response.NumObjects)

	header, err := tlv.ParseObjectHeader(response.Body)
	assert.Nil(t, err)
	assert.Equal(t, tlv.ObjectTypeEndorsedX509Cert, header.Type)

	envelope, err := tlv.ParseCertEnvelope(
		response.Body[tlv.ObjectHeaderSize:], logger)
	assert.Nil(t, err)
	assert.Equal(t, "UDS", envelope.Name)

	endorsed, err := x509.ParseCertificate(envelope.Body)
	assert.Nil(t, err)
	assert.Equal(t, udsTBS, endorsed.RawTBSCertificate)

	// Only the host endorsed certificate is recorded, with the
	// identity exemption applied
	assert.Len(t, p.records, 1)
	assert.Equal(t, "UDS", p.records[0].Name)
	assert.True(t, p.records[0].IgnoreCriticalExtensions)
}

// A device reporting a different hash than the host computed aborts
// before completion is acknowledged.
func TestRunIntegrityMismatch(t *testing.T) {

	ca := newTestCA(t)
	seeds := make([]byte, 128)

	wrongHash := make([]byte, 32)
	for i := range wrongHash {
		wrongHash[i] = 0xaa
	}
	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(seedObject(t, seeds)),
		DeviceHash: wrongHash,
	}

	p := newTestPersonalizer(t, Params{
		Console: device,
		Key:     &testKey{signer: ca.key},
		Root:    ca.cert,
	})
	err := p.Run()
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
	assert.Equal(t, StateFailed, p.State())
	assert.NotContains(t, device.WaitedMarkers, console.MarkerPersoDone)
}

// A malformed to-be-signed payload fails before the signing key is
// ever used.
func TestRunMalformedTBS(t *testing.T) {

	ca := newTestCA(t)
	signer := &countingSigner{signer: ca.key}

	badTBS := []byte{0x30, 0x03, 0xff, 0xff, 0xff}
	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(
			certObject(t, tlv.ObjectTypeUnendorsedX509Cert, "UDS", badTBS),
		),
	}

	p := newTestPersonalizer(t, Params{
		Console: device,
		Key:     &testKey{signer: signer},
		Root:    ca.cert,
	})
	err := p.Run()
	assert.ErrorIs(t, err, certs.ErrMalformedCertificate)
	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, 0, signer.calls)
	assert.Empty(t, device.SentBlobs)
}

func TestRunDirectHashOrder(t *testing.T) {

	ca := newTestCA(t)
	seeds := make([]byte, 128)
	hostHash := sha256.Sum256(seeds)

	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(seedObject(t, seeds)),
		DeviceHash: hostHash[:],
	}

	p := newTestPersonalizer(t, Params{
		Console:         device,
		Key:             &testKey{signer: ca.key},
		Root:            ca.cert,
		DeviceHashOrder: HashOrderDirect,
	})
	assert.Nil(t, p.Run())
}

func TestRunTokenHashPhase(t *testing.T) {

	ca := newTestCA(t)
	seeds := make([]byte, 128)
	hostHash := sha256.Sum256(seeds)
	tokenHash := []byte(`{"hash":[1,2,3,4]}`)

	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(seedObject(t, seeds)),
		DeviceHash: reverseBytes(hostHash[:]),
	}

	p := newTestPersonalizer(t, Params{
		Console:   device,
		Key:       &testKey{signer: ca.key},
		Root:      ca.cert,
		TokenHash: tokenHash,
	})
	assert.Nil(t, p.Run())

	assert.Equal(t, console.MarkerTokenHashRequest, device.WaitedMarkers[0])
	assert.Equal(t, tokenHash, device.SentPayloads[0])
}

func TestRunBadSeedRegion(t *testing.T) {

	ca := newTestCA(t)
	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(seedObject(t, make([]byte, 64))),
	}

	p := newTestPersonalizer(t, Params{
		Console: device,
		Key:     &testKey{signer: ca.key},
		Root:    ca.cert,
	})
	err := p.Run()
	assert.ErrorIs(t, err, tlv.ErrSizeMismatch)
	assert.Equal(t, StateFailed, p.State())
}

// A device declaring an object size smaller than the header itself
// must fail the run with a parse error, never crash the host.
func TestRunUndersizedSeedObject(t *testing.T) {

	ca := newTestCA(t)

	// DevSeed object claiming 1 byte total; the size field includes
	// the 2 byte header
	device := &console.FakeConsole{
		DeviceBlob: &tlv.Blob{
			NumObjects: 1,
			NextFree:   2,
			Body:       []byte{0x20, 0x01},
		},
	}

	p := newTestPersonalizer(t, Params{
		Console: device,
		Key:     &testKey{signer: ca.key},
		Root:    ca.cert,
	})
	err := p.Run()
	assert.ErrorIs(t, err, tlv.ErrSizeOverflow)
	assert.Equal(t, StateFailed, p.State())
	assert.Empty(t, device.SentBlobs)
}

func TestRunUnknownObjectType(t *testing.T) {

	ca := newTestCA(t)

	header, err := tlv.MakeObjectHeader(tlv.ObjectHeaderSize+4, tlv.ObjectType(7))
	assert.Nil(t, err)
	object := append(binary.BigEndian.AppendUint16(nil, header), 0, 0, 0, 0)

	device := &console.FakeConsole{DeviceBlob: deviceBlob(object)}
	p := newTestPersonalizer(t, Params{
		Console: device,
		Key:     &testKey{signer: ca.key},
		Root:    ca.cert,
	})
	err = p.Run()
	assert.ErrorIs(t, err, tlv.ErrInvalidEncoding)
}

func TestRunKeyResolutionFailure(t *testing.T) {

	ca := newTestCA(t)
	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(seedObject(t, make([]byte, 128))),
	}

	p := newTestPersonalizer(t, Params{
		Console: device,
		Key:     &testKey{err: assert.AnError},
		Root:    ca.cert,
	})
	err := p.Run()
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StateFailed, p.State())
	assert.Empty(t, device.SentBlobs)
}

func TestRunMarkerTimeout(t *testing.T) {

	ca := newTestCA(t)
	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(seedObject(t, make([]byte, 128))),
		FailMarker: console.MarkerImportDone,
	}

	p := newTestPersonalizer(t, Params{
		Console: device,
		Key:     &testKey{signer: ca.key},
		Root:    ca.cert,
	})
	err := p.Run()
	assert.ErrorIs(t, err, console.ErrTimeout)
	assert.Equal(t, StateFailed, p.State())
}

func TestRunResponseHook(t *testing.T) {

	ca := newTestCA(t)
	seeds := make([]byte, 128)
	hostHash := sha256.Sum256(seeds)

	hookCalled := false
	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(seedObject(t, seeds)),
		DeviceHash: reverseBytes(hostHash[:]),
	}

	p := newTestPersonalizer(t, Params{
		Console: device,
		Key:     &testKey{signer: ca.key},
		Root:    ca.cert,
		Hook: func(body []byte) ([]byte, error) {
			hookCalled = true
			return body, nil
		},
	})
	assert.Nil(t, p.Run())
	assert.True(t, hookCalled)
}

func TestRunResponseHookFailure(t *testing.T) {

	ca := newTestCA(t)
	device := &console.FakeConsole{
		DeviceBlob: deviceBlob(seedObject(t, make([]byte, 128))),
	}

	p := newTestPersonalizer(t, Params{
		Console: device,
		Key:     &testKey{signer: ca.key},
		Root:    ca.cert,
		Hook: func([]byte) ([]byte, error) {
			return nil, assert.AnError
		},
	})
	err := p.Run()
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StateFailed, p.State())
	assert.Empty(t, device.SentBlobs)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-inputs", StateAwaitingInputs.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(200).String())
}
