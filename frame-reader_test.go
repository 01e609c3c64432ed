package tls13

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var kTestFrame = []byte{0x00, 0x05, 'a', 'b', 'c', 'd', 'e'}

type simpleHeader struct{}

func (h simpleHeader) headerLen() int { return 2 }

func (h simpleHeader) defaultReadLen() int { return 1024 }

func (h simpleHeader) frameLen(hdr []byte) (int, error) {
	if len(hdr) != 2 {
		panic("assert")
	}
	return (int(hdr[0]) << 8) | int(hdr[1]), nil
}

func checkFrame(t *testing.T, hdr []byte, body []byte) {
	require.Equal(t, kTestFrame[:2], hdr)
	require.Equal(t, kTestFrame[2:], body)
}

func TestFrameReaderFullFrame(t *testing.T) {
	r := NewFrameReader(simpleHeader{})
	r.AddChunk(kTestFrame)
	hdr, body, err := r.Process()
	require.NoError(t, err)
	checkFrame(t, hdr, body)

	r.AddChunk(kTestFrame)
	hdr, body, err = r.Process()
	require.NoError(t, err)
	checkFrame(t, hdr, body)
}

func TestFrameReaderTwoFrames(t *testing.T) {
	r := NewFrameReader(simpleHeader{})
	r.AddChunk(kTestFrame)
	r.AddChunk(kTestFrame)
	hdr, body, err := r.Process()
	require.NoError(t, err)
	checkFrame(t, hdr, body)

	hdr, body, err = r.Process()
	require.NoError(t, err)
	checkFrame(t, hdr, body)
}

func TestFrameReaderTrickle(t *testing.T) {
	r := NewFrameReader(simpleHeader{})

	var hdr, body []byte
	var err error
	for i := 0; i <= len(kTestFrame); i++ {
		hdr, body, err = r.Process()
		if i < len(kTestFrame) {
			require.Equal(t, WouldBlock, err)
			require.Empty(t, hdr)
			require.Empty(t, body)
			r.AddChunk(kTestFrame[i : i+1])
		}
	}
	require.NoError(t, err)
	checkFrame(t, hdr, body)
}
