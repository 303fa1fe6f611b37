// Package perso orchestrates one device personalization run: it
// exchanges the manufacturing object blob with the device, endorses
// unendorsed certificates with the run's signing key, ships the
// endorsed certificates back, and cross checks the integrity of what
// the device persisted before validating the endorsed chain.
//
// A run is one strictly sequential pass. Every step mutates run state
// (cursor, running hash, response buffer), so no error is retried
// internally; the first error aborts the run and recovery is the
// caller's decision.
package perso

import (
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-perso/pkg/certs"
	"github.com/jeremyhahn/go-perso/pkg/console"
	"github.com/jeremyhahn/go-perso/pkg/keystore"
	"github.com/jeremyhahn/go-perso/pkg/logging"
	"github.com/jeremyhahn/go-perso/pkg/tlv"
)

// Device seed policy: the seed object carries exactly two fixed size
// seeds.
const (
	seedCount = 2
	seedSize  = 64
)

// The identity certificate carries a known non-standard critical
// extension; it is the only certificate whose unknown critical
// extensions are tolerated during chain validation.
const identityCertName = "UDS"

var (
	ErrNoLogger  = errors.New("perso: logger is required")
	ErrNoConsole = errors.New("perso: device console is required")
	ErrNoKey     = errors.New("perso: endorsement key is required")
	ErrNoRoot    = errors.New("perso: trusted root certificate is required")
)

// State identifies the orchestrator's position in the run. Transitions
// are strictly sequential; StateFailed is terminal and reachable from
// any state.
type State uint8

const (
	StateAwaitingInputs State = iota
	StateExchangingBlob
	StateProcessingObjects
	StateSendingResponse
	StateVerifyingIntegrity
	StateValidatingChain
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingInputs:
		return "awaiting-inputs"
	case StateExchangingBlob:
		return "exchanging-blob"
	case StateProcessingObjects:
		return "processing-objects"
	case StateSendingResponse:
		return "sending-response"
	case StateVerifyingIntegrity:
		return "verifying-integrity"
	case StateValidatingChain:
		return "validating-chain"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Hook transforms the fully built response blob before transmission.
// Its effects are opaque to the orchestrator.
type Hook func([]byte) ([]byte, error)

type Params struct {
	Logger  *logging.Logger
	Console console.Console
	Key     keystore.EndorsementKey
	Root    *x509.Certificate
	Timeout time.Duration

	// CertInputs is the opaque certificate generation payload injected
	// into the device before it exports its blob.
	CertInputs []byte

	// TokenHash, when set, is sent to the device when it requests the
	// RMA unlock token hash. The hashing itself happens upstream.
	TokenHash []byte

	// Hook, when set, post-processes the response blob bytes.
	Hook Hook

	// DeviceHashOrder selects the digest comparison byte order. The
	// zero value matches the reference firmware.
	DeviceHashOrder HashByteOrder
}

// Personalizer drives one personalization run. All state is created
// fresh per run and discarded at the end; successive runs are
// independent.
type Personalizer struct {
	params  Params
	state   State
	hash    *integrityHash
	builder *tlv.ResponseBuilder
	records []certs.EndorsedCert
	signer  crypto.Signer
}

func New(params Params) (*Personalizer, error) {
	if params.Logger == nil {
		return nil, ErrNoLogger
	}
	if params.Console == nil {
		return nil, ErrNoConsole
	}
	if params.Key == nil {
		return nil, ErrNoKey
	}
	if params.Root == nil {
		return nil, ErrNoRoot
	}
	if params.Timeout == 0 {
		params.Timeout = 10 * time.Minute
	}
	return &Personalizer{
		params:  params,
		state:   StateAwaitingInputs,
		hash:    newIntegrityHash(),
		builder: tlv.NewResponseBuilder(),
	}, nil
}

func (p *Personalizer) State() State {
	return p.state
}

// Run executes the personalization pass. The first error aborts the
// run, moves the state machine to StateFailed and is returned with
// enough context to diagnose the failing unit.
func (p *Personalizer) Run() error {
	if err := p.run(); err != nil {
		p.state = StateFailed
		return err
	}
	return nil
}

func (p *Personalizer) run() error {

	timeout := p.params.Timeout
	device := p.params.Console

	p.state = StateAwaitingInputs
	if len(p.params.TokenHash) > 0 {
		if err := device.WaitForMarker(
			console.MarkerTokenHashRequest, timeout); err != nil {
			return err
		}
		if err := device.Send(p.params.TokenHash, timeout); err != nil {
			return err
		}
	}
	if err := device.WaitForMarker(console.MarkerCertInputs, timeout); err != nil {
		return err
	}
	if err := device.Send(p.params.CertInputs, timeout); err != nil {
		return err
	}

	p.state = StateExchangingBlob
	if err := device.WaitForMarker(console.MarkerExportCerts, timeout); err != nil {
		return err
	}
	blob, err := device.RecvBlob(timeout)
	if err != nil {
		return err
	}

	// One signing key per run, resolved before object processing so a
	// bad local key fails before any device state is consumed.
	p.signer, err = p.params.Key.Signer()
	if err != nil {
		return err
	}

	p.state = StateProcessingObjects
	cursor := 0
	for i := 0; i < blob.NumObjects; i++ {
		p.params.Logger.Debug("processing next object", "index", i)
		consumed, err := p.processObject(blob.Body[cursor:])
		if err != nil {
			return fmt.Errorf("perso: object %d at offset %d: %w",
				i, cursor, err)
		}
		cursor += consumed
	}

	p.state = StateSendingResponse
	responseBody := p.builder.Bytes()
	if p.params.Hook != nil {
		responseBody, err = p.params.Hook(responseBody)
		if err != nil {
			return fmt.Errorf("perso: response hook: %w", err)
		}
	}
	response := &tlv.Blob{
		NumObjects: p.builder.Count(),
		NextFree:   len(responseBody),
		Body:       responseBody,
	}
	if err := device.WaitForMarker(console.MarkerImportCerts, timeout); err != nil {
		return err
	}
	if err := device.SendBlob(response, timeout); err != nil {
		return err
	}
	if err := device.WaitForMarker(console.MarkerImportDone, timeout); err != nil {
		return err
	}

	p.state = StateVerifyingIntegrity
	deviceHash, err := device.RecvHash(timeout)
	if err != nil {
		return err
	}
	if err := compareDeviceHash(
		p.hash.Sum(), deviceHash, p.params.DeviceHashOrder); err != nil {
		return err
	}

	p.state = StateValidatingChain
	if len(p.records) > 0 {
		if err := certs.ValidateChain(p.params.Root, p.records); err != nil {
			return err
		}
	}

	if err := device.WaitForMarker(console.MarkerPersoDone, timeout); err != nil {
		return err
	}

	p.state = StateDone
	return nil
}

// processObject decodes and dispatches one TLV object, returning the
// number of bytes consumed from the blob body.
func (p *Personalizer) processObject(buf []byte) (int, error) {

	header, err := tlv.ParseObjectHeader(buf)
	if err != nil {
		return 0, err
	}
	payload := buf[tlv.ObjectHeaderSize:]

	switch header.Type {

	case tlv.ObjectTypeDevSeed:
		seeds := payload[:header.Size-tlv.ObjectHeaderSize]
		p.hash.Update(seeds)
		if err := p.processSeeds(seeds); err != nil {
			return 0, err
		}
		return header.Size, nil

	case tlv.ObjectTypeUnendorsedX509Cert, tlv.ObjectTypeEndorsedX509Cert:
		envelope, err := tlv.ParseCertEnvelope(payload, p.params.Logger)
		if err != nil {
			return 0, err
		}

		var final []byte
		if header.Type == tlv.ObjectTypeUnendorsedX509Cert {
			final, err = p.endorse(envelope)
		} else {
			// Device endorsed certificates are hashed but never
			// re-endorsed or re-sent.
			_, err = certs.ParseCertificate(envelope.Body)
			final = envelope.Body
		}
		if err != nil {
			return 0, fmt.Errorf("cert %q: %w", envelope.Name, err)
		}

		p.params.Logger.Debug("cert",
			"name", envelope.Name,
			"der", hex.EncodeToString(final))
		p.hash.Update(final)

		return tlv.ObjectHeaderSize + envelope.WrappedSize, nil
	}

	return 0, fmt.Errorf("%w: unknown object type %d",
		tlv.ErrInvalidEncoding, header.Type)
}

// endorse signs one device produced to-be-signed certificate, checks
// the result re-parses as a complete certificate, records it for chain
// validation and queues it for the response blob.
func (p *Personalizer) endorse(envelope tlv.CertEnvelope) ([]byte, error) {

	endorsed, err := certs.Endorse(envelope.Body, p.signer)
	if err != nil {
		return nil, err
	}

	// Acceptance check, deliberately separate from the signing step.
	if _, err := certs.ParseCertificate(endorsed); err != nil {
		return nil, err
	}

	p.records = append(p.records, certs.EndorsedCert{
		Name:                     envelope.Name,
		Bytes:                    endorsed,
		IgnoreCriticalExtensions: envelope.Name == identityCertName,
	})

	if err := p.builder.AddEndorsedCert(envelope.Name, endorsed); err != nil {
		return nil, err
	}
	return endorsed, nil
}

// processSeeds validates the seed region size and logs each seed. The
// host never retains seed material beyond this log.
func (p *Personalizer) processSeeds(seeds []byte) error {
	if len(seeds) != seedCount*seedSize {
		return fmt.Errorf("%w: seed region is %d bytes, expected %d",
			tlv.ErrSizeMismatch, len(seeds), seedCount*seedSize)
	}
	for i := 0; i < seedCount; i++ {
		seed := seeds[i*seedSize : (i+1)*seedSize]
		p.params.Logger.Info("device seed",
			"index", i,
			"hex", hex.EncodeToString(seed))
	}
	return nil
}
