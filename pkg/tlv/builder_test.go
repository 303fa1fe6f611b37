package tlv

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/jeremyhahn/go-perso/pkg/logging"
)

func TestResponseBuilderRoundTrip(t *testing.T) {

	logger := logging.NewLoggerWithHandler(logging.NewRecordingHandler())

	type cert struct {
		name string
		body []byte
	}
	added := []cert{
		{name: "UDS", body: derBody(t, 48)},
		{name: "CDI_0", body: derBody(t, 64)},
		{name: "CDI_1", body: derBody(t, 96)},
	}

	builder := NewResponseBuilder()
	for _, c := range added {
		assert.Nil(t, builder.AddEndorsedCert(c.name, c.body))
	}
	assert.Equal(t, len(added), builder.Count())

	blob := builder.Blob()
	assert.Equal(t, len(added), blob.NumObjects)
	assert.Equal(t, builder.Len(), blob.NextFree)

	// Walk the packed objects back out and compare against what went in
	var decoded []cert
	offset := 0
	for i := 0; i < blob.NumObjects; i++ {
		header, err := ParseObjectHeader(blob.Body[offset:])
		assert.Nil(t, err)
		assert.Equal(t, ObjectTypeEndorsedX509Cert, header.Type)

		envelope, err := ParseCertEnvelope(
			blob.Body[offset+ObjectHeaderSize:], logger)
		assert.Nil(t, err)
		assert.Equal(t, ObjectHeaderSize+envelope.WrappedSize, header.Size)

		decoded = append(decoded, cert{name: envelope.Name, body: envelope.Body})
		offset += header.Size
	}
	assert.Equal(t, blob.NextFree, offset)

	if diff := cmp.Diff(added, decoded, cmp.AllowUnexported(cert{})); diff != "" {
		t.Errorf("decoded objects diff (-want +got):\n%s", diff)
	}
}

func TestResponseBuilderCapacity(t *testing.T) {

	builder := NewResponseBuilder()

	// Each object consumes 2+2+4+119 bytes; 32 of them fill 4064 of
	// the 4096 byte limit, leaving no room for a 33rd.
	body := derBody(t, 119)
	for i := 0; i < 32; i++ {
		assert.Nil(t, builder.AddEndorsedCert("CERT", body))
	}
	assert.Equal(t, 4064, builder.Len())

	err := builder.AddEndorsedCert("CERT", body)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 32, builder.Count())
}

func TestResponseBuilderRejectsOversizeObject(t *testing.T) {

	builder := NewResponseBuilder()
	err := builder.AddEndorsedCert("CERT", make([]byte, MaxObjectSize))
	assert.ErrorIs(t, err, ErrSizeOverflow)
}
