package tls13

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// loopbackConn is a minimal io.ReadWriter over two independent buffers, just
// enough for RecordLayer's tests: writes accumulate in out, reads drain in.
type loopbackConn struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (c *loopbackConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *loopbackConn) Write(p []byte) (int, error) { return c.out.Write(p) }

func TestWriteChangeCipherSpecEmitsLiteralByte(t *testing.T) {
	conn := &loopbackConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	rl := NewRecordLayer(conn)

	require.NoError(t, rl.WriteChangeCipherSpec())
	require.Equal(t, []byte{byte(RecordTypeChangeCipherSpec), 0x03, 0x01, 0x00, 0x01, 0x01}, conn.out.Bytes())
}

func TestWriteChangeCipherSpecBypassesOutboundEncryption(t *testing.T) {
	conn := &loopbackConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	rl := NewRecordLayer(conn)

	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	key := bytes.Repeat([]byte{0x01}, 16)
	iv := bytes.Repeat([]byte{0x02}, 12)
	require.NoError(t, rl.RekeyOut(params.aead, key, iv))

	require.NoError(t, rl.WriteChangeCipherSpec())
	// Still the plain 6-byte record: an AEAD-sealed record would be longer
	// and would not start with the bare 0x01 fragment.
	require.Equal(t, []byte{byte(RecordTypeChangeCipherSpec), 0x03, 0x01, 0x00, 0x01, 0x01}, conn.out.Bytes())
}

func TestReadRecordDiscardsInboundChangeCipherSpec(t *testing.T) {
	ccs := []byte{byte(RecordTypeChangeCipherSpec), 0x03, 0x01, 0x00, 0x01, 0x01}
	appData := []byte{byte(RecordTypeApplicationData), 0x03, 0x01, 0x00, 0x03, 'f', 'o', 'o'}

	conn := &loopbackConn{in: bytes.NewBuffer(append(append([]byte{}, ccs...), appData...)), out: &bytes.Buffer{}}
	rl := NewRecordLayer(conn)

	pt, err := rl.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, RecordTypeApplicationData, pt.contentType)
	require.Equal(t, []byte("foo"), pt.fragment)
}
