package tls13

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"hash"
	"io"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// prng is the package-wide source of randomness for nonces, key shares and
// ClientHello.random. Tests may swap it out for a deterministic reader to
// get byte-identical ClientHello fixtures.
var prng io.Reader = rand.Reader

// HKDF-Expand-Label labels, RFC 8446 §7.1.
const (
	labelDerived                         = "derived"
	labelExternalBinder                  = "ext binder"
	labelResumptionBinder                = "res binder"
	labelEarlyTrafficSecret              = "c e traffic"
	labelEarlyExporterMasterSecret       = "e exp master"
	labelClientHandshakeTrafficSecret    = "c hs traffic"
	labelServerHandshakeTrafficSecret    = "s hs traffic"
	labelClientApplicationTrafficSecret  = "c ap traffic"
	labelServerApplicationTrafficSecret  = "s ap traffic"
	labelExporterMasterSecret            = "exp master"
	labelResumptionSecret                = "res master"
	labelResumption                      = "resumption"
	labelKey                             = "key"
	labelIV                              = "iv"
	labelFinished                        = "finished"
	labelTrafficUpdate                   = "traffic upd"
)

// cipherSuiteParams bundles everything the key schedule needs to know about
// a negotiated AEAD cipher suite: which hash drives HKDF and the transcript,
// and how to build the record-layer AEAD from a raw key.
type cipherSuiteParams struct {
	suite  CipherSuite
	hash   crypto.Hash
	keyLen int
	ivLen  int
	aead   aeadFactory
}

type aeadFactory func(key []byte) (cipher.AEAD, error)

func newAESGCM(keyLen int) aeadFactory {
	return func(key []byte) (cipher.AEAD, error) {
		if len(key) != keyLen {
			return nil, internalError("aes-gcm: wrong key length %d", len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
}

func newChaCha20Poly1305() aeadFactory {
	return func(key []byte) (cipher.AEAD, error) {
		return chacha20poly1305.New(key)
	}
}

var cipherSuiteMap = map[CipherSuite]cipherSuiteParams{
	TLS_AES_128_GCM_SHA256: {
		suite: TLS_AES_128_GCM_SHA256, hash: crypto.SHA256,
		keyLen: 16, ivLen: 12, aead: newAESGCM(16),
	},
	TLS_AES_256_GCM_SHA384: {
		suite: TLS_AES_256_GCM_SHA384, hash: crypto.SHA384,
		keyLen: 32, ivLen: 12, aead: newAESGCM(32),
	},
	TLS_CHACHA20_POLY1305_SHA256: {
		suite: TLS_CHACHA20_POLY1305_SHA256, hash: crypto.SHA256,
		keyLen: chacha20poly1305.KeySize, ivLen: chacha20poly1305.NonceSize,
		aead: newChaCha20Poly1305(),
	},
}

// keySet is a derived (key, iv) pair for one direction at one epoch, ready
// to be handed to RecordLayer.Rekey.
type keySet struct {
	Key []byte
	IV  []byte
}

// hkdfExtract and hkdfExpandLabel implement RFC 8446 §7.1's key schedule
// primitives: hkdfExtract is HMAC(salt, ikm) via crypto/hmac, and
// hkdfExpandLabel expands with golang.org/x/crypto/hkdf.
func hkdfExtract(h crypto.Hash, salt, ikm []byte) []byte {
	if salt == nil {
		salt = make([]byte, h.Size())
	}
	mac := hmac.New(h.New, salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

// hkdfExpandLabel implements HKDF-Expand-Label(Secret, Label, Context, Length).
func hkdfExpandLabel(h crypto.Hash, secret []byte, label string, context []byte, length int) []byte {
	hkdfLabel := make([]byte, 0, 2+1+len("tls13 ")+len(label)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))

	fullLabel := "tls13 " + label
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)

	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	reader := hkdf.Expand(h.New, secret, hkdfLabel)
	if _, err := io.ReadFull(reader, out); err != nil {
		panic("tls13: hkdf expand failed: " + err.Error())
	}
	return out
}

// deriveSecret implements Derive-Secret(Secret, Label, Messages) where
// Messages is supplied pre-hashed (the transcript hash at the relevant
// point), as every call site in the state machine already has the running
// transcript hash on hand.
func deriveSecret(params cipherSuiteParams, secret []byte, label string, transcriptHash []byte) []byte {
	return hkdfExpandLabel(params.hash, secret, label, transcriptHash, params.hash.Size())
}

// computeFinishedData implements RFC 8446 §4.4.4:
//   finished_key = HKDF-Expand-Label(BaseKey, "finished", "", Hash.length)
//   verify_data = HMAC(finished_key, Transcript-Hash(... Certificate*))
func computeFinishedData(params cipherSuiteParams, baseKey []byte, transcriptHash []byte) []byte {
	finishedKey := hkdfExpandLabel(params.hash, baseKey, labelFinished, nil, params.hash.Size())
	mac := hmac.New(params.hash.New, finishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

// makeTrafficKeys derives the (key, iv) pair a record-layer direction needs
// from a traffic secret, per RFC 8446 §7.3.
func makeTrafficKeys(params cipherSuiteParams, trafficSecret []byte) keySet {
	return keySet{
		Key: hkdfExpandLabel(params.hash, trafficSecret, labelKey, nil, params.keyLen),
		IV:  hkdfExpandLabel(params.hash, trafficSecret, labelIV, nil, params.ivLen),
	}
}

func newTranscriptHash(params cipherSuiteParams) hash.Hash {
	return params.hash.New()
}

// --- key exchange ----------------------------------------------------

// newKeyShare generates an ephemeral key pair for group, returning the wire
// public value and the opaque private value newKeyShare/keyAgreement agree
// on between themselves. isClient only matters for the (currently unused)
// asymmetric KEM direction, kept for parity with the teacher's signature.
func newKeyShare(group NamedGroup, isClient bool) (pub, priv []byte, err error) {
	switch group {
	case X25519:
		curve := ecdh.X25519()
		key, err := curve.GenerateKey(prng)
		if err != nil {
			return nil, nil, internalError("x25519 keygen: %v", err)
		}
		return key.PublicKey().Bytes(), key.Bytes(), nil

	case P256, P384, P521:
		curve := ecdhCurve(group)
		key, err := curve.GenerateKey(prng)
		if err != nil {
			return nil, nil, internalError("ecdh keygen: %v", err)
		}
		return key.PublicKey().Bytes(), key.Bytes(), nil

	case X25519Kyber768Draft00:
		// Hybrid classical/PQ group per the CECPQ2/X25519Kyber draft this
		// core offers opportunistically: circl's Kyber768 for the KEM half,
		// X25519 for the classical half, concatenated per the draft's wire
		// layout (classical share || KEM encapsulation key/ciphertext).
		xKey, err := ecdh.X25519().GenerateKey(prng)
		if err != nil {
			return nil, nil, internalError("x25519kyber768: x25519 keygen: %v", err)
		}
		kyberPub, kyberPriv, err := kyber768.Scheme().GenerateKeyPair()
		if err != nil {
			return nil, nil, internalError("x25519kyber768: kyber keygen: %v", err)
		}
		pubBytes, err := kyberPub.MarshalBinary()
		if err != nil {
			return nil, nil, internalError("x25519kyber768: marshal kyber pub: %v", err)
		}
		privBytes, err := kyberPriv.MarshalBinary()
		if err != nil {
			return nil, nil, internalError("x25519kyber768: marshal kyber priv: %v", err)
		}
		pub = append(append([]byte{}, xKey.PublicKey().Bytes()...), pubBytes...)
		priv = append(append([]byte{}, xKey.Bytes()...), privBytes...)
		return pub, priv, nil

	default:
		return nil, nil, internalError("unsupported group for key share: %v", group)
	}
}

func ecdhCurve(group NamedGroup) ecdh.Curve {
	switch group {
	case P256:
		return ecdh.P256()
	case P384:
		return ecdh.P384()
	case P521:
		return ecdh.P521()
	default:
		return nil
	}
}

// keyAgreement completes a Diffie-Hellman (or KEM decapsulation) exchange
// given the peer's public value and our own private value from
// newKeyShare, returning the raw shared secret fed into HKDF-Extract.
func keyAgreement(group NamedGroup, peerPublic, ourPrivate []byte) ([]byte, error) {
	switch group {
	case X25519:
		priv, err := ecdh.X25519().NewPrivateKey(ourPrivate)
		if err != nil {
			return nil, decryptError("x25519: invalid private key: %v", err)
		}
		peer, err := ecdh.X25519().NewPublicKey(peerPublic)
		if err != nil {
			return nil, decryptError("x25519: invalid peer key: %v", err)
		}
		return priv.ECDH(peer)

	case P256, P384, P521:
		curve := ecdhCurve(group)
		priv, err := curve.NewPrivateKey(ourPrivate)
		if err != nil {
			return nil, decryptError("ecdh: invalid private key: %v", err)
		}
		peer, err := curve.NewPublicKey(peerPublic)
		if err != nil {
			return nil, decryptError("ecdh: invalid peer key: %v", err)
		}
		return priv.ECDH(peer)

	case X25519Kyber768Draft00:
		const xLen = 32
		if len(peerPublic) <= xLen || len(ourPrivate) <= xLen {
			return nil, decryptError("x25519kyber768: malformed share")
		}
		xPriv, err := ecdh.X25519().NewPrivateKey(ourPrivate[:xLen])
		if err != nil {
			return nil, decryptError("x25519kyber768: invalid x25519 private key: %v", err)
		}
		xPeer, err := ecdh.X25519().NewPublicKey(peerPublic[:xLen])
		if err != nil {
			return nil, decryptError("x25519kyber768: invalid x25519 peer key: %v", err)
		}
		xSecret, err := xPriv.ECDH(xPeer)
		if err != nil {
			return nil, err
		}

		scheme := kyber768.Scheme()
		kyberPriv, err := scheme.UnmarshalBinaryPrivateKey(ourPrivate[xLen:])
		if err != nil {
			return nil, decryptError("x25519kyber768: invalid kyber private key: %v", err)
		}
		kyberSecret, err := scheme.Decapsulate(kyberPriv, peerPublic[xLen:])
		if err != nil {
			return nil, decryptError("x25519kyber768: decapsulate failed: %v", err)
		}
		return append(xSecret, kyberSecret...), nil

	default:
		return nil, internalError("unsupported group for key agreement: %v", group)
	}
}

// --- signatures --------------------------------------------------------

// signer is the narrow collaborator CertificateVerifyBody.Sign needs; it is
// satisfied by *ecdsa.PrivateKey, *rsa.PrivateKey and ed25519.PrivateKey.
type signer interface {
	Public() crypto.PublicKey
	Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error)
}

func schemeHash(scheme SignatureScheme) crypto.Hash {
	switch scheme {
	case RSA_PKCS1_SHA256, ECDSA_P256_SHA256, RSA_PSS_SHA256:
		return crypto.SHA256
	case RSA_PKCS1_SHA384, ECDSA_P384_SHA384, RSA_PSS_SHA384:
		return crypto.SHA384
	case RSA_PKCS1_SHA512, ECDSA_P521_SHA512, RSA_PSS_SHA512:
		return crypto.SHA512
	default:
		return crypto.Hash(0)
	}
}

func signWithScheme(scheme SignatureScheme, key signer, data []byte) ([]byte, error) {
	if scheme == Ed25519 {
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, internalError("certificate_verify: ed25519 scheme with non-ed25519 key")
		}
		return ed25519.Sign(priv, data), nil
	}

	h := schemeHash(scheme)
	if h == 0 {
		return nil, internalError("certificate_verify: unsupported signature scheme %#04x", scheme)
	}
	hasher := h.New()
	hasher.Write(data)
	digest := hasher.Sum(nil)

	var opts crypto.SignerOpts = h
	switch scheme {
	case RSA_PSS_SHA256, RSA_PSS_SHA384, RSA_PSS_SHA512:
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
	}
	return key.Sign(prng, digest, opts)
}

func verifyWithScheme(scheme SignatureScheme, publicKey interface{}, data, sig []byte) error {
	if scheme == Ed25519 {
		pub, ok := publicKey.(ed25519.PublicKey)
		if !ok {
			return handshakeFailure("certificate_verify: ed25519 scheme with non-ed25519 key")
		}
		if !ed25519.Verify(pub, data, sig) {
			return handshakeFailure("certificate_verify: ed25519 signature mismatch")
		}
		return nil
	}

	h := schemeHash(scheme)
	if h == 0 {
		return unsupportedExtension("certificate_verify: unsupported signature scheme %#04x", scheme)
	}
	hasher := h.New()
	hasher.Write(data)
	digest := hasher.Sum(nil)

	switch scheme {
	case RSA_PSS_SHA256, RSA_PSS_SHA384, RSA_PSS_SHA512:
		pub, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return handshakeFailure("certificate_verify: rsa-pss scheme with non-rsa key")
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
		if err := rsa.VerifyPSS(pub, h, digest, sig, opts); err != nil {
			return handshakeFailure("certificate_verify: rsa-pss signature mismatch: %v", err)
		}
		return nil

	case RSA_PKCS1_SHA256, RSA_PKCS1_SHA384, RSA_PKCS1_SHA512:
		pub, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return handshakeFailure("certificate_verify: rsa scheme with non-rsa key")
		}
		if err := rsa.VerifyPKCS1v15(pub, h, digest, sig); err != nil {
			return handshakeFailure("certificate_verify: rsa signature mismatch: %v", err)
		}
		return nil

	case ECDSA_P256_SHA256, ECDSA_P384_SHA384, ECDSA_P521_SHA512:
		pub, ok := publicKey.(*ecdsa.PublicKey)
		if !ok {
			return handshakeFailure("certificate_verify: ecdsa scheme with non-ecdsa key")
		}
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return handshakeFailure("certificate_verify: ecdsa signature mismatch")
		}
		return nil

	default:
		return unsupportedExtension("certificate_verify: unsupported signature scheme %#04x", scheme)
	}
}

// CertificateSelection picks a client certificate (and the signature scheme
// to use with it) compatible with the schemes the server advertised in its
// CertificateRequest, mirroring the teacher's
// CertificateSelection(ctx, schemes, certs) call shape. ctx is reserved for
// future constraint data (e.g. acceptable CAs) and is currently unused.
func CertificateSelection(ctx interface{}, schemes []SignatureScheme, certs []*Certificate) (*Certificate, SignatureScheme, error) {
	for _, cert := range certs {
		for _, scheme := range schemes {
			if certSupportsScheme(cert, scheme) {
				return cert, scheme, nil
			}
		}
	}
	return nil, 0, internalError("no compatible client certificate for offered schemes")
}

func certSupportsScheme(cert *Certificate, scheme SignatureScheme) bool {
	if len(cert.Chain) == 0 {
		return false
	}
	pub := cert.Chain[0].PublicKey
	switch scheme {
	case Ed25519:
		_, ok := pub.(ed25519.PublicKey)
		return ok
	case RSA_PKCS1_SHA256, RSA_PKCS1_SHA384, RSA_PKCS1_SHA512,
		RSA_PSS_SHA256, RSA_PSS_SHA384, RSA_PSS_SHA512:
		_, ok := pub.(*rsa.PublicKey)
		return ok
	case ECDSA_P256_SHA256, ECDSA_P384_SHA384, ECDSA_P521_SHA512:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		switch scheme {
		case ECDSA_P256_SHA256:
			return key.Curve == elliptic.P256()
		case ECDSA_P384_SHA384:
			return key.Curve == elliptic.P384()
		default:
			return key.Curve == elliptic.P521()
		}
	default:
		return false
	}
}

// Certificate bundles a verified chain with the private key used to prove
// possession of its leaf, for client-auth certificate selection.
type Certificate struct {
	Chain      []*x509.Certificate
	PrivateKey signer
}
