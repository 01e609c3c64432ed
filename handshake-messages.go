package tls13

import (
	"bytes"
	"crypto/x509"
	"fmt"

	"github.com/bifurcation/mint/syntax"
)

const (
	maxCertRequestContextLen = 255
)

// HandshakeMessageBody is implemented by every handshake message payload
// (ClientHello, ServerHello, ... Finished). Marshal/Unmarshal work on the
// body only; HandshakeMessage (below) adds the 4-byte handshake header.
type HandshakeMessageBody interface {
	Type() HandshakeType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

// HandshakeMessage is a single handshake-layer message: a type, a 3-byte
// length, and a body. It is what the transcript hashes and what
// SendHandshakeMessage actions carry.
type HandshakeMessage struct {
	msgType HandshakeType
	body    []byte
}

func HandshakeMessageFromBody(body HandshakeMessageBody) (*HandshakeMessage, error) {
	data, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	return &HandshakeMessage{msgType: body.Type(), body: data}, nil
}

// Marshal renders the message with its 4-byte handshake header, suitable for
// both sending on the wire and folding into the transcript hash.
func (hm *HandshakeMessage) Marshal() []byte {
	if hm == nil {
		return nil
	}
	header := writeUint24([]byte{byte(hm.msgType)}, uint32(len(hm.body)))
	return append(header, hm.body...)
}

func (hm *HandshakeMessage) ToBody() (HandshakeMessageBody, error) {
	var body HandshakeMessageBody
	switch hm.msgType {
	case HandshakeTypeClientHello:
		body = new(ClientHelloBody)
	case HandshakeTypeServerHello:
		sh := new(ServerHelloBody)
		if _, err := sh.Unmarshal(hm.body); err != nil {
			return nil, err
		}
		if sh.IsHelloRetryRequest() {
			return &HelloRetryRequestBody{Version: sh.Version, CipherSuite: sh.CipherSuite, Extensions: sh.Extensions}, nil
		}
		return sh, nil
	case HandshakeTypeHelloRetryRequest:
		body = new(HelloRetryRequestBody)
	case HandshakeTypeEncryptedExtensions:
		body = new(EncryptedExtensionsBody)
	case HandshakeTypeCertificateRequest:
		body = new(CertificateRequestBody)
	case HandshakeTypeCertificate:
		body = new(CertificateBody)
	case HandshakeTypeCertificateVerify:
		body = new(CertificateVerifyBody)
	case HandshakeTypeFinished:
		body = &FinishedBody{}
	case HandshakeTypeNewSessionTicket:
		body = new(NewSessionTicketBody)
	case HandshakeTypeKeyUpdate:
		body = new(KeyUpdateBody)
	default:
		return nil, decodeError("unsupported handshake message type %v", hm.msgType)
	}

	_, err := body.Unmarshal(hm.body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// messageHash synthesizes the "message_hash" pseudo-message RFC 8446 §4.4.1
// uses in place of a discarded first ClientHello when the transcript is
// reset after a HelloRetryRequest.
func messageHash(hash []byte) *HandshakeMessage {
	return &HandshakeMessage{msgType: HandshakeTypeMessageHash, body: hash}
}

// struct {
//     ProtocolVersion legacy_version = 0x0303;
//     Random random;
//     opaque legacy_session_id<0..32>;
//     CipherSuite cipher_suites<2..2^16-2>;
//     opaque legacy_compression_methods<1..2^8-1>;
//     Extension extensions<0..2^16-1>;
// } ClientHello;
type ClientHelloBody struct {
	Random          [32]byte
	LegacySessionID []byte
	CipherSuites    []CipherSuite
	Extensions      ExtensionList
}

type clientHelloBodyInner struct {
	LegacyVersion            uint16
	Random                   [32]byte
	LegacySessionID          []byte        `tls:"head=1,max=32"`
	CipherSuites             []CipherSuite `tls:"head=2,min=2"`
	LegacyCompressionMethods []byte        `tls:"head=1,min=1"`
	Extensions               []Extension   `tls:"head=2"`
}

func (ch ClientHelloBody) Type() HandshakeType { return HandshakeTypeClientHello }

func (ch ClientHelloBody) Marshal() ([]byte, error) {
	sessionID := ch.LegacySessionID
	if sessionID == nil {
		sessionID = []byte{}
	}
	return syntax.Marshal(clientHelloBodyInner{
		LegacyVersion:            legacyVersion,
		Random:                   ch.Random,
		LegacySessionID:          sessionID,
		CipherSuites:             ch.CipherSuites,
		LegacyCompressionMethods: []byte{0},
		Extensions:               ch.Extensions,
	})
}

func (ch *ClientHelloBody) Unmarshal(data []byte) (int, error) {
	var inner clientHelloBodyInner
	read, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}

	if inner.LegacyVersion != legacyVersion {
		return 0, decodeError("client_hello: incorrect legacy_version %#04x", inner.LegacyVersion)
	}
	if len(inner.LegacyCompressionMethods) != 1 || inner.LegacyCompressionMethods[0] != 0 {
		return 0, decodeError("client_hello: invalid compression method")
	}

	ch.Random = inner.Random
	ch.LegacySessionID = inner.LegacySessionID
	ch.CipherSuites = inner.CipherSuites
	ch.Extensions = inner.Extensions
	return read, nil
}

// Truncated returns the wire encoding of ch with the whole PSK binder list,
// its 2-byte length prefix included, chopped off, so the binder MAC can be
// computed over everything up to and including the identities (RFC 8446
// §4.2.11.2). The pre_shared_key extension, if present, MUST already be the
// last extension.
func (ch ClientHelloBody) Truncated() ([]byte, error) {
	if len(ch.Extensions) == 0 {
		return nil, internalError("client_hello.truncate: no extensions")
	}

	pskExt := ch.Extensions[len(ch.Extensions)-1]
	if pskExt.ExtensionType != ExtensionTypePreSharedKey {
		return nil, internalError("client_hello.truncate: last extension is not pre_shared_key")
	}

	chm, err := HandshakeMessageFromBody(&ch)
	if err != nil {
		return nil, err
	}
	chData := chm.Marshal()

	psk := PreSharedKeyExtension{HandshakeType: HandshakeTypeClientHello}
	if _, err := psk.Unmarshal(pskExt.ExtensionData); err != nil {
		return nil, err
	}

	bLen, err := binderLen(psk.Binders)
	if err != nil {
		return nil, err
	}

	chLen := len(chData)
	if bLen > chLen {
		return nil, internalError("client_hello.truncate: binder length exceeds message length")
	}
	return chData[:chLen-bLen], nil
}

// struct {
//     ProtocolVersion version;
//     Random random;
//     CipherSuite cipher_suite;
//     Extension extensions<0..2^16-1>;
// } ServerHello;
type ServerHelloBody struct {
	Version     uint16
	Random      [32]byte
	CipherSuite CipherSuite
	Extensions  ExtensionList `tls:"head=2"`
}

func (sh ServerHelloBody) Type() HandshakeType         { return HandshakeTypeServerHello }
func (sh ServerHelloBody) Marshal() ([]byte, error)    { return syntax.Marshal(sh) }
func (sh *ServerHelloBody) Unmarshal(data []byte) (int, error) { return syntax.Unmarshal(data, sh) }

// HelloRetryRequestBody is wire-identical to ServerHelloBody (RFC 8446
// §4.1.4: the client distinguishes the two only by checking
// ServerHello.random against the fixed HRR sentinel); it is given its own Go
// type so the state machine can dispatch on it distinctly once that check
// has been made.
type HelloRetryRequestBody struct {
	Version     uint16
	CipherSuite CipherSuite
	Extensions  ExtensionList `tls:"head=2"`
}

func (hrr HelloRetryRequestBody) Type() HandshakeType { return HandshakeTypeHelloRetryRequest }

func (hrr HelloRetryRequestBody) Marshal() ([]byte, error) {
	return syntax.Marshal(ServerHelloBody{
		Version:     hrr.Version,
		Random:      hrrRandomSentinel,
		CipherSuite: hrr.CipherSuite,
		Extensions:  hrr.Extensions,
	})
}

func (hrr *HelloRetryRequestBody) Unmarshal(data []byte) (int, error) {
	var sh ServerHelloBody
	read, err := syntax.Unmarshal(data, &sh)
	if err != nil {
		return 0, err
	}
	if sh.Random != hrrRandomSentinel {
		return 0, decodeError("hello_retry_request: random does not match HRR sentinel")
	}
	hrr.Version = sh.Version
	hrr.CipherSuite = sh.CipherSuite
	hrr.Extensions = sh.Extensions
	return read, nil
}

// IsHelloRetryRequest reports whether a raw ServerHelloBody is actually
// carrying the HRR sentinel, without needing a second Unmarshal pass.
func (sh ServerHelloBody) IsHelloRetryRequest() bool {
	return sh.Random == hrrRandomSentinel
}

// struct {
//     opaque verify_data[verify_data_length];
// } Finished;
//
// VerifyDataLen is not itself a wire field; it tells Unmarshal how many
// bytes to expect (it is Hash.length for the negotiated cipher suite).
type FinishedBody struct {
	VerifyDataLen int
	VerifyData    []byte
}

func (fin FinishedBody) Type() HandshakeType { return HandshakeTypeFinished }

func (fin FinishedBody) Marshal() ([]byte, error) {
	if len(fin.VerifyData) != fin.VerifyDataLen {
		return nil, internalError("finished: data length mismatch")
	}
	body := make([]byte, len(fin.VerifyData))
	copy(body, fin.VerifyData)
	return body, nil
}

func (fin *FinishedBody) Unmarshal(data []byte) (int, error) {
	if fin.VerifyDataLen == 0 || len(data) != fin.VerifyDataLen {
		return 0, decodeError("finished: expected %d bytes, got %d", fin.VerifyDataLen, len(data))
	}
	fin.VerifyData = make([]byte, fin.VerifyDataLen)
	copy(fin.VerifyData, data)
	return fin.VerifyDataLen, nil
}

// struct {
//     Extension extensions<0..2^16-1>;
// } EncryptedExtensions;
type EncryptedExtensionsBody struct {
	Extensions ExtensionList `tls:"head=2"`
}

func (ee EncryptedExtensionsBody) Type() HandshakeType { return HandshakeTypeEncryptedExtensions }
func (ee EncryptedExtensionsBody) Marshal() ([]byte, error) {
	return syntax.Marshal(ee)
}
func (ee *EncryptedExtensionsBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, ee)
}

// struct {
//     opaque certificate_request_context<0..2^8-1>;
//     Extension extensions<2..2^16-1>;
// } CertificateRequest;
//
// The signature_algorithms extension is mandatory in the extensions list
// (RFC 8446 §4.3.2); the state machine enforces that separately from
// parsing, since absence is a protocol error rather than a decode error.
type CertificateRequestBody struct {
	CertificateRequestContext []byte
	Extensions                ExtensionList
}

func (cr CertificateRequestBody) Type() HandshakeType { return HandshakeTypeCertificateRequest }

func (cr CertificateRequestBody) Marshal() ([]byte, error) {
	if len(cr.CertificateRequestContext) > maxCertRequestContextLen {
		return nil, internalError("certificate_request: context too long")
	}
	extData, err := cr.Extensions.Marshal()
	if err != nil {
		return nil, err
	}
	out, err := writeVector1(nil, cr.CertificateRequestContext)
	if err != nil {
		return nil, err
	}
	return append(out, extData...), nil
}

func (cr *CertificateRequestBody) Unmarshal(data []byte) (int, error) {
	c := newCursor(data)
	ctx, err := c.readVector1()
	if err != nil {
		return 0, err
	}
	cr.CertificateRequestContext = ctx

	var ext ExtensionList
	read, err := ext.Unmarshal(data[c.pos:])
	if err != nil {
		return 0, err
	}
	cr.Extensions = ext
	return c.pos + read, nil
}

// opaque ASN1Cert<1..2^24-1>;
// struct {
//     ASN1Cert cert_data;
//     Extension extensions<0..2^16-1>
// } CertificateEntry;
// struct {
//     opaque certificate_request_context<0..2^8-1>;
//     CertificateEntry certificate_list<0..2^24-1>;
// } Certificate;
type CertificateEntry struct {
	CertData   *x509.Certificate
	Extensions ExtensionList
}

type CertificateBody struct {
	CertificateRequestContext []byte
	CertificateList           []CertificateEntry
}

func (c CertificateBody) Type() HandshakeType { return HandshakeTypeCertificate }

func (c CertificateBody) Marshal() ([]byte, error) {
	if len(c.CertificateRequestContext) > maxCertRequestContextLen {
		return nil, internalError("certificate: request context too long")
	}

	var certsData []byte
	for _, entry := range c.CertificateList {
		if entry.CertData == nil || len(entry.CertData.Raw) == 0 {
			return nil, internalError("certificate: entry has no parsed certificate")
		}
		extData, err := entry.Extensions.Marshal()
		if err != nil {
			return nil, err
		}
		entryData, err := writeVector3(nil, entry.CertData.Raw)
		if err != nil {
			return nil, err
		}
		entryData = append(entryData, extData...)
		certsData = append(certsData, entryData...)
	}

	out, err := writeVector1(nil, c.CertificateRequestContext)
	if err != nil {
		return nil, err
	}
	certsWithLen, err := writeVector3(nil, certsData)
	if err != nil {
		return nil, err
	}
	return append(out, certsWithLen...), nil
}

func (c *CertificateBody) Unmarshal(data []byte) (int, error) {
	top := newCursor(data)
	ctx, err := top.readVector1()
	if err != nil {
		return 0, err
	}
	c.CertificateRequestContext = ctx

	certsData, err := top.readVector3()
	if err != nil {
		return 0, err
	}

	inner := newCursor(certsData)
	c.CertificateList = []CertificateEntry{}
	for !inner.atEnd() {
		raw, err := inner.readVector3()
		if err != nil {
			return 0, fmt.Errorf("tls13.certificate: %v", err)
		}
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return 0, decodeError("certificate: failed to parse: %v", err)
		}

		var ext ExtensionList
		read, err := ext.Unmarshal(certsData[inner.pos:])
		if err != nil {
			return 0, err
		}
		inner.pos += read

		c.CertificateList = append(c.CertificateList, CertificateEntry{
			CertData:   cert,
			Extensions: ext,
		})
	}
	return top.pos, nil
}

// struct {
//     SignatureScheme algorithm;
//     opaque signature<0..2^16-1>;
// } CertificateVerify;
type CertificateVerifyBody struct {
	Algorithm SignatureScheme
	Signature []byte `tls:"head=2"`
}

func (cv CertificateVerifyBody) Type() HandshakeType { return HandshakeTypeCertificateVerify }
func (cv CertificateVerifyBody) Marshal() ([]byte, error) {
	return syntax.Marshal(cv)
}
func (cv *CertificateVerifyBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, cv)
}

// serverCertificateVerifyContext and clientCertificateVerifyContext are the
// two context strings RFC 8446 §4.4.3 defines; this core, being a client
// speaking to a server, verifies against the server string and (when
// client-auth is used) signs with the client string.
const (
	serverCertificateVerifyContext = "TLS 1.3, server CertificateVerify"
	clientCertificateVerifyContext = "TLS 1.3, client CertificateVerify"
)

// encodeSignatureInput builds the structure that is actually signed/verified
// for CertificateVerify (RFC 8446 §4.4.3): 64 spaces, the context string, a
// zero byte, then the transcript hash up to and including the preceding
// message.
func encodeSignatureInput(context string, transcriptHash []byte) []byte {
	sigInput := bytes.Repeat([]byte{0x20}, 64)
	sigInput = append(sigInput, []byte(context)...)
	sigInput = append(sigInput, 0)
	sigInput = append(sigInput, transcriptHash...)
	return sigInput
}

func (cv *CertificateVerifyBody) Sign(privateKey signer, transcriptHash []byte) error {
	sigInput := encodeSignatureInput(clientCertificateVerifyContext, transcriptHash)
	sig, err := signWithScheme(cv.Algorithm, privateKey, sigInput)
	if err != nil {
		return err
	}
	cv.Signature = sig
	logf(logTypeHandshake, "signed CertificateVerify: alg=%#04x sig=%x", cv.Algorithm, cv.Signature)
	return nil
}

func (cv *CertificateVerifyBody) Verify(publicKey interface{}, transcriptHash []byte) error {
	sigInput := encodeSignatureInput(serverCertificateVerifyContext, transcriptHash)
	return verifyWithScheme(cv.Algorithm, publicKey, sigInput, cv.Signature)
}

// struct {
//     uint32 ticket_lifetime;
//     uint32 ticket_age_add;
//     opaque ticket_nonce<0..255>;
//     opaque ticket<1..2^16-1>;
//     Extension extensions<0..2^16-2>;
// } NewSessionTicket;
type NewSessionTicketBody struct {
	TicketLifetime uint32
	TicketAgeAdd   uint32
	TicketNonce    []byte        `tls:"head=1"`
	Ticket         []byte        `tls:"head=2,min=1"`
	Extensions     ExtensionList `tls:"head=2"`
}

func (tkt NewSessionTicketBody) Type() HandshakeType { return HandshakeTypeNewSessionTicket }
func (tkt NewSessionTicketBody) Marshal() ([]byte, error) {
	return syntax.Marshal(tkt)
}
func (tkt *NewSessionTicketBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, tkt)
}

// enum { update_not_requested(0), update_requested(1), (255) } KeyUpdateRequest;
// struct { KeyUpdateRequest request_update; } KeyUpdate;
type KeyUpdateBody struct {
	KeyUpdateRequest KeyUpdateRequest
}

func (ku KeyUpdateBody) Type() HandshakeType { return HandshakeTypeKeyUpdate }
func (ku KeyUpdateBody) Marshal() ([]byte, error) {
	return syntax.Marshal(ku)
}
func (ku *KeyUpdateBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, ku)
}
