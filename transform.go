package tls13

import (
	"bytes"
	"crypto/cipher"
)

// transform is one direction's AEAD state at a given epoch: the cipher
// itself plus the running sequence number and nonce, derived from a traffic
// secret by makeTrafficKeys (crypto.go) and installed into the record layer
// by RecordLayer.RekeyIn/RekeyOut. RFC 8446 §5.3 defines per-record nonce
// construction as sequence_number XOR write_iv.
type transform struct {
	aead     cipher.AEAD
	ivLength int
	seq      []byte
	nonce    []byte
}

func newTransform(factory aeadFactory, key, iv []byte) (transform, error) {
	aead, err := factory(key)
	if err != nil {
		return transform{}, internalError("transform: %v", err)
	}

	t := transform{
		aead:     aead,
		ivLength: len(iv),
		seq:      bytes.Repeat([]byte{0}, len(iv)),
		nonce:    make([]byte, len(iv)),
	}
	copy(t.nonce, iv)
	return t, nil
}

// nextNonce returns the nonce to use for the next record and advances the
// sequence number, per RFC 8446 §5.3.
func (t *transform) nextNonce() []byte {
	nonce := make([]byte, len(t.nonce))
	copy(nonce, t.nonce)
	t.incrementSequenceNumber()
	return nonce
}

func (t *transform) incrementSequenceNumber() {
	if t.ivLength == 0 {
		return
	}

	for i := t.ivLength - 1; i > t.ivLength-sequenceNumberLen; i-- {
		t.seq[i]++
		t.nonce[i] ^= (t.seq[i] - 1) ^ t.seq[i]
		if t.seq[i] != 0 {
			return
		}
	}

	panic("tls13: sequence number wraparound")
}
