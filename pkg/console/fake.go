package console

import (
	"fmt"
	"time"

	"github.com/jeremyhahn/go-perso/pkg/tlv"
)

// FakeConsole is a scripted console for tests. Marker waits succeed
// immediately and are recorded; RecvBlob and RecvHash return the
// pre-loaded device responses. Individual operations can be failed by
// name to exercise error paths.
type FakeConsole struct {
	DeviceBlob *tlv.Blob
	DeviceHash []byte

	// HashFunc, when set, computes the device hash from the blobs the
	// host sent, standing in for a device that hashes what it
	// persisted. Takes precedence over DeviceHash.
	HashFunc func(sent []*tlv.Blob) ([]byte, error)

	// FailMarker causes WaitForMarker to time out on the matching
	// pattern.
	FailMarker string

	WaitedMarkers []string
	SentPayloads  [][]byte
	SentBlobs     []*tlv.Blob
}

func (c *FakeConsole) WaitForMarker(pattern string, timeout time.Duration) error {
	c.WaitedMarkers = append(c.WaitedMarkers, pattern)
	if c.FailMarker != "" && c.FailMarker == pattern {
		return fmt.Errorf("%w: marker %q after %s", ErrTimeout, pattern, timeout)
	}
	return nil
}

func (c *FakeConsole) Send(payload []byte, timeout time.Duration) error {
	c.SentPayloads = append(c.SentPayloads, payload)
	return nil
}

func (c *FakeConsole) SendBlob(blob *tlv.Blob, timeout time.Duration) error {
	c.SentBlobs = append(c.SentBlobs, blob)
	return nil
}

func (c *FakeConsole) RecvBlob(timeout time.Duration) (*tlv.Blob, error) {
	if c.DeviceBlob == nil {
		return nil, fmt.Errorf("%w: no device blob scripted", ErrTimeout)
	}
	return c.DeviceBlob, nil
}

func (c *FakeConsole) RecvHash(timeout time.Duration) ([]byte, error) {
	if c.HashFunc != nil {
		return c.HashFunc(c.SentBlobs)
	}
	if c.DeviceHash == nil {
		return nil, fmt.Errorf("%w: no device hash scripted", ErrTimeout)
	}
	return c.DeviceHash, nil
}
