package tls13

import (
	"io"
	"sync"
)

const (
	sequenceNumberLen = 8       // sequence number length
	recordHeaderLen   = 5       // record header length
	maxFragmentLen    = 1 << 14 // max number of bytes in a record
)

// allowWrongVersionNumber tolerates the legacy_record_version field being
// set to either {3,1} or {3,3}; both appear in the wild from middleboxes and
// from servers that haven't updated the field since TLS 1.2.
const allowWrongVersionNumber = true

// struct {
//     ContentType type;
//     ProtocolVersion legacy_record_version = { 3, 1 };
//     uint16 length;
//     opaque fragment[TLSPlaintext.length];
// } TLSPlaintext;
type TLSPlaintext struct {
	contentType RecordType
	fragment    []byte
}

// RecordLayer frames and, once a transform has been installed for a
// direction, encrypts/decrypts TLS records. It is agnostic to the
// handshake state machine above it; the driver calls RekeyIn/RekeyOut as
// the key schedule produces new traffic secrets (spec §4.9: transform
// ownership transfers from the key-schedule orchestrator to here).
type RecordLayer struct {
	sync.Mutex

	conn         io.ReadWriter
	nextData     []byte
	cachedRecord *TLSPlaintext
	cachedError  error

	in  transform
	out transform
}

func NewRecordLayer(conn io.ReadWriter) *RecordLayer {
	return &RecordLayer{conn: conn}
}

// RekeyIn installs a fresh transform for the inbound direction (RekeyOut
// does the same for the outbound one); the two are independent so that, e.g., a
// client can be sending under "handshake" keys while still reading under
// "early" keys (spec §4.9's per-direction epoch independence).
func (r *RecordLayer) RekeyIn(factory aeadFactory, key, iv []byte) error {
	t, err := newTransform(factory, key, iv)
	if err != nil {
		return err
	}
	r.in = t
	r.cachedRecord = nil
	r.cachedError = nil
	return nil
}

func (r *RecordLayer) RekeyOut(factory aeadFactory, key, iv []byte) error {
	t, err := newTransform(factory, key, iv)
	if err != nil {
		return err
	}
	r.out = t
	return nil
}

func (r *RecordLayer) encrypt(pt *TLSPlaintext, padLen int) (*TLSPlaintext, error) {
	originalLen := len(pt.fragment)
	plaintextLen := originalLen + 1 + padLen
	ciphertextLen := plaintextLen + r.out.aead.Overhead()

	out := &TLSPlaintext{
		contentType: RecordTypeApplicationData,
		fragment:    make([]byte, ciphertextLen),
	}
	copy(out.fragment, pt.fragment)
	out.fragment[originalLen] = byte(pt.contentType)
	for i := 1; i <= padLen; i++ {
		out.fragment[originalLen+i] = 0
	}

	payload := out.fragment[:plaintextLen]
	nonce := r.out.nextNonce()
	r.out.aead.Seal(payload[:0], nonce, payload, nil)
	return out, nil
}

func (r *RecordLayer) decrypt(pt *TLSPlaintext) (*TLSPlaintext, int, error) {
	if len(pt.fragment) < r.in.aead.Overhead() {
		return nil, 0, decryptError("record: ciphertext too short (%d < %d)", len(pt.fragment), r.in.aead.Overhead())
	}

	decryptLen := len(pt.fragment) - r.in.aead.Overhead()
	out := &TLSPlaintext{
		contentType: pt.contentType,
		fragment:    make([]byte, decryptLen),
	}

	nonce := r.in.nextNonce()
	if _, err := r.in.aead.Open(out.fragment[:0], nonce, pt.fragment, nil); err != nil {
		return nil, 0, decryptError("record: AEAD decrypt failed")
	}

	padLen := 0
	for ; padLen < decryptLen && out.fragment[decryptLen-padLen-1] == 0; padLen++ {
	}

	newLen := decryptLen - padLen - 1
	if newLen < 0 {
		return nil, 0, decryptError("record: all-zero inner plaintext")
	}
	out.contentType = RecordType(out.fragment[newLen])
	out.fragment = out.fragment[:newLen]
	return out, padLen, nil
}

func (r *RecordLayer) readFullBuffer(data []byte) error {
	buffer := make([]byte, cap(data)+recordHeaderLen)

	copy(buffer, r.nextData)
	index := len(r.nextData)

	for {
		m, err := r.conn.Read(buffer[index:])
		if m+index >= cap(data) {
			copy(data[:cap(data)], buffer)
			r.nextData = buffer[cap(data) : m+index]
			return nil
		}
		if err != nil {
			return err
		}
		index += m
	}
}

func (r *RecordLayer) PeekRecordType() (RecordType, error) {
	pt, err := r.nextRecord()
	if err != nil {
		return RecordType(0), err
	}
	return pt.contentType, nil
}

func (r *RecordLayer) ReadRecord() (*TLSPlaintext, error) {
	pt, err := r.nextRecord()
	r.cachedRecord = nil
	r.cachedError = nil
	return pt, err
}

func (r *RecordLayer) nextRecord() (*TLSPlaintext, error) {
	if r.cachedRecord != nil {
		return r.cachedRecord, r.cachedError
	}

	pt := &TLSPlaintext{}
	header := make([]byte, recordHeaderLen)
	if err := r.readFullBuffer(header); err != nil {
		return nil, err
	}

	switch RecordType(header[0]) {
	case RecordTypeAlert, RecordTypeHandshake, RecordTypeApplicationData, RecordTypeChangeCipherSpec:
		pt.contentType = RecordType(header[0])
	default:
		return nil, decodeError("record: unknown content type %#02x", header[0])
	}

	if !allowWrongVersionNumber && (header[1] != 0x03 || header[2] != 0x01) {
		return nil, decodeError("record: invalid legacy_record_version %#02x%02x", header[1], header[2])
	}

	size := (int(header[3]) << 8) + int(header[4])
	if size > maxFragmentLen+256 {
		return nil, decodeError("record: ciphertext too large")
	}

	pt.fragment = make([]byte, size)
	if err := r.readFullBuffer(pt.fragment[:0]); err != nil {
		return nil, err
	}

	if pt.contentType == RecordTypeChangeCipherSpec {
		// Middlebox-compatibility CCS records are always sent in the clear
		// and never part of the transcript or key schedule (spec §4.1's
		// [CCS_*] pseudo-states); a peer may emit one at any epoch, so it is
		// discarded here rather than surfaced to the handshake layer.
		logf(logTypeIO, "record-layer: discarding inbound change_cipher_spec")
		return r.nextRecord()
	}

	var err error
	if r.in.aead != nil {
		pt, _, err = r.decrypt(pt)
		if err != nil {
			return nil, err
		}
	}

	if len(pt.fragment) > maxFragmentLen {
		return nil, decodeError("record: plaintext too large")
	}

	logf(logTypeIO, "record-layer: read type=%d len=%d", pt.contentType, len(pt.fragment))

	r.cachedRecord = pt
	return pt, nil
}

// WriteChangeCipherSpec emits the legacy middlebox-compatibility record
// (RFC 8446 §5: a single content-type-20 byte 0x01) directly onto the
// connection. It bypasses WriteRecord's encryption path entirely: a CCS
// record is always plaintext, regardless of any installed outbound
// transform, and must not consume a sequence number or be folded into the
// transcript.
func (r *RecordLayer) WriteChangeCipherSpec() error {
	header := []byte{byte(RecordTypeChangeCipherSpec), 0x03, 0x01, 0x00, byte(len(changeCipherSpecPayload))}
	record := append(header, changeCipherSpecPayload...)

	logf(logTypeIO, "record-layer: wrote change_cipher_spec")

	_, err := r.conn.Write(record)
	return err
}

func (r *RecordLayer) WriteRecord(pt *TLSPlaintext) error {
	return r.WriteRecordWithPadding(pt, 0)
}

func (r *RecordLayer) WriteRecordWithPadding(pt *TLSPlaintext, padLen int) error {
	var err error
	if r.out.aead != nil {
		pt, err = r.encrypt(pt, padLen)
		if err != nil {
			return err
		}
	} else if padLen > 0 {
		return internalError("record: padding requires an installed outbound transform")
	}

	if len(pt.fragment) > maxFragmentLen {
		return internalError("record: fragment too large to send")
	}

	length := len(pt.fragment)
	header := []byte{byte(pt.contentType), 0x03, 0x01, byte(length >> 8), byte(length)}
	record := append(header, pt.fragment...)

	logf(logTypeIO, "record-layer: wrote type=%d len=%d", pt.contentType, len(pt.fragment))

	_, err = r.conn.Write(record)
	return err
}
