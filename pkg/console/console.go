// Package console defines the device console boundary used to exchange
// personalization data with the device under test. The orchestrator
// synchronizes on device printed progress markers before each protocol
// phase, then sends or receives one payload. A single physical channel
// serves one device; all operations are synchronous with a caller
// supplied timeout.
package console

import (
	"errors"
	"time"

	"github.com/jeremyhahn/go-perso/pkg/tlv"
)

var (
	ErrTimeout = errors.New("console: timed out waiting for device")
	ErrClosed  = errors.New("console: closed")
)

// Device progress markers printed by the personalization firmware.
// A partial exchange cannot be resumed, so a missed marker is fatal to
// the run.
const (
	MarkerTokenHashRequest = "Waiting For RMA Unlock Token Hash ..."
	MarkerCertInputs       = "Waiting for certificate inputs ..."
	MarkerExportCerts      = "Exporting TBS certificates ..."
	MarkerImportCerts      = "Importing endorsed certificates ..."
	MarkerImportDone       = "Finished importing certificates."
	MarkerPersoDone        = "Personalization done."
)

// Console is the transport boundary between the host and the device.
type Console interface {

	// WaitForMarker blocks until the device prints a line matching the
	// pattern, or the timeout expires with ErrTimeout.
	WaitForMarker(pattern string, timeout time.Duration) error

	// Send transmits one opaque payload (certificate generation
	// inputs, token hashes) to the device.
	Send(payload []byte, timeout time.Duration) error

	// SendBlob transmits a personalization blob to the device.
	SendBlob(blob *tlv.Blob, timeout time.Duration) error

	// RecvBlob receives a personalization blob from the device.
	RecvBlob(timeout time.Duration) (*tlv.Blob, error)

	// RecvHash receives the device computed SHA-256 over the
	// certificates it persisted to flash.
	RecvHash(timeout time.Duration) ([]byte, error)
}
