package tls13

// Wire-level enumerations for the TLS 1.3 client handshake, RFC 8446 §B.

// ContentType
type RecordType uint8

const (
	RecordTypeChangeCipherSpec RecordType = 20
	RecordTypeAlert            RecordType = 21
	RecordTypeHandshake        RecordType = 22
	RecordTypeApplicationData  RecordType = 23
)

// changeCipherSpecPayload is the single legacy byte RFC 8446 §5 requires a
// middlebox-compatibility ChangeCipherSpec record to carry. It is opaque:
// receivers MUST ignore it, and senders MUST NOT let it touch the
// transcript, key schedule, or record sequence numbers.
var changeCipherSpecPayload = []byte{0x01}

// HandshakeType
type HandshakeType uint8

const (
	HandshakeTypeClientHello         HandshakeType = 1
	HandshakeTypeServerHello         HandshakeType = 2
	HandshakeTypeNewSessionTicket    HandshakeType = 4
	HandshakeTypeEndOfEarlyData      HandshakeType = 5
	HandshakeTypeHelloRetryRequest   HandshakeType = 6
	HandshakeTypeEncryptedExtensions HandshakeType = 8
	HandshakeTypeCertificate         HandshakeType = 11
	HandshakeTypeCertificateRequest  HandshakeType = 13
	HandshakeTypeCertificateVerify   HandshakeType = 15
	HandshakeTypeFinished            HandshakeType = 20
	HandshakeTypeKeyUpdate           HandshakeType = 24
	HandshakeTypeMessageHash         HandshakeType = 254
)

func (h HandshakeType) String() string {
	switch h {
	case HandshakeTypeClientHello:
		return "client_hello"
	case HandshakeTypeServerHello:
		return "server_hello"
	case HandshakeTypeNewSessionTicket:
		return "new_session_ticket"
	case HandshakeTypeEndOfEarlyData:
		return "end_of_early_data"
	case HandshakeTypeHelloRetryRequest:
		return "hello_retry_request"
	case HandshakeTypeEncryptedExtensions:
		return "encrypted_extensions"
	case HandshakeTypeCertificate:
		return "certificate"
	case HandshakeTypeCertificateRequest:
		return "certificate_request"
	case HandshakeTypeCertificateVerify:
		return "certificate_verify"
	case HandshakeTypeFinished:
		return "finished"
	case HandshakeTypeKeyUpdate:
		return "key_update"
	case HandshakeTypeMessageHash:
		return "message_hash"
	default:
		return "unknown_handshake_type"
	}
}

// CipherSuite
type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

// NamedGroup
type NamedGroup uint16

const (
	NamedGroupUnknown     NamedGroup = 0
	P256                  NamedGroup = 23
	P384                  NamedGroup = 24
	P521                  NamedGroup = 25
	X25519                NamedGroup = 29
	X448                  NamedGroup = 30
	FFDHE2048             NamedGroup = 256
	X25519Kyber768Draft00 NamedGroup = 0x6399
)

// SignatureScheme
type SignatureScheme uint16

const (
	RSA_PKCS1_SHA256  SignatureScheme = 0x0401
	RSA_PKCS1_SHA384  SignatureScheme = 0x0501
	RSA_PKCS1_SHA512  SignatureScheme = 0x0601
	ECDSA_P256_SHA256 SignatureScheme = 0x0403
	ECDSA_P384_SHA384 SignatureScheme = 0x0503
	ECDSA_P521_SHA512 SignatureScheme = 0x0603
	RSA_PSS_SHA256    SignatureScheme = 0x0804
	RSA_PSS_SHA384    SignatureScheme = 0x0805
	RSA_PSS_SHA512    SignatureScheme = 0x0806
	Ed25519           SignatureScheme = 0x0807
)

// ExtensionType
type ExtensionType uint16

const (
	ExtensionTypeServerName          ExtensionType = 0
	ExtensionTypeMaxFragmentLength   ExtensionType = 1
	ExtensionTypeSupportedGroups     ExtensionType = 10
	ExtensionTypeSignatureAlgorithms ExtensionType = 13
	ExtensionTypeALPN                ExtensionType = 16
	ExtensionTypeSupportedVersions   ExtensionType = 43
	ExtensionTypeCookie              ExtensionType = 44
	ExtensionTypePSKKeyExchangeModes ExtensionType = 45
	ExtensionTypeEarlyData           ExtensionType = 42
	ExtensionTypePreSharedKey        ExtensionType = 41
	ExtensionTypeKeyShare            ExtensionType = 51
)

// PSKKeyExchangeMode
type PSKKeyExchangeMode uint8

const (
	PSKModeKE    PSKKeyExchangeMode = 0
	PSKModeDHEKE PSKKeyExchangeMode = 1
)

// KeyUpdateRequest
type KeyUpdateRequest uint8

const (
	KeyUpdateNotRequested KeyUpdateRequest = 0
	KeyUpdateRequested    KeyUpdateRequest = 1
)

// EarlyDataStatus tracks 0-RTT negotiation from the client's perspective.
type EarlyDataStatus uint8

const (
	EarlyDataNotAttempted EarlyDataStatus = iota
	EarlyDataRejected
	EarlyDataAccepted
)

// Alert is both the TLS alert description and the error type used for
// fatal handshake conditions throughout this package.
type Alert uint8

const (
	AlertNoAlert                Alert = 255 // sentinel: no alert pending
	AlertCloseNotify            Alert = 0
	AlertUnexpectedMessage      Alert = 10
	AlertBadRecordMac           Alert = 20
	AlertDecryptionFailed       Alert = 21
	AlertRecordOverflow         Alert = 22
	AlertDecompressionFailure   Alert = 30
	AlertHandshakeFailure       Alert = 40
	AlertBadCertificate         Alert = 42
	AlertUnsupportedCertificate Alert = 43
	AlertCertificateRevoked     Alert = 44
	AlertCertificateExpired     Alert = 45
	AlertCertificateUnknown     Alert = 46
	AlertIllegalParameter       Alert = 47
	AlertUnknownCA              Alert = 48
	AlertAccessDenied           Alert = 49
	AlertDecodeError            Alert = 50
	AlertDecryptError           Alert = 51
	AlertProtocolVersion        Alert = 70
	AlertInsufficientSecurity   Alert = 71
	AlertInternalError          Alert = 80
	AlertInappropriateFallback  Alert = 86
	AlertUserCanceled           Alert = 90
	AlertMissingExtension       Alert = 109
	AlertUnsupportedExtension   Alert = 110
	AlertCertificateRequired    Alert = 116
	AlertNoApplicationProtocol  Alert = 120
	AlertNoRenegotiation        Alert = 100
)

func (a Alert) Error() string {
	if name, ok := alertNames[a]; ok {
		return name
	}
	return "unknown_alert"
}

var alertNames = map[Alert]string{
	AlertCloseNotify:            "close_notify",
	AlertUnexpectedMessage:      "unexpected_message",
	AlertBadRecordMac:           "bad_record_mac",
	AlertDecryptionFailed:       "decryption_failed",
	AlertRecordOverflow:         "record_overflow",
	AlertDecompressionFailure:   "decompression_failure",
	AlertHandshakeFailure:       "handshake_failure",
	AlertBadCertificate:         "bad_certificate",
	AlertUnsupportedCertificate: "unsupported_certificate",
	AlertCertificateRevoked:     "certificate_revoked",
	AlertCertificateExpired:     "certificate_expired",
	AlertCertificateUnknown:     "certificate_unknown",
	AlertIllegalParameter:       "illegal_parameter",
	AlertUnknownCA:              "unknown_ca",
	AlertAccessDenied:           "access_denied",
	AlertDecodeError:            "decode_error",
	AlertDecryptError:           "decrypt_error",
	AlertProtocolVersion:        "protocol_version",
	AlertInsufficientSecurity:   "insufficient_security",
	AlertInternalError:          "internal_error",
	AlertInappropriateFallback:  "inappropriate_fallback",
	AlertUserCanceled:           "user_canceled",
	AlertMissingExtension:       "missing_extension",
	AlertUnsupportedExtension:   "unsupported_extension",
	AlertCertificateRequired:    "certificate_required",
	AlertNoApplicationProtocol:  "no_application_protocol",
	AlertNoRenegotiation:        "no_renegotiation",
	AlertNoAlert:                "no_alert",
}

const (
	AlertLevelWarning = 1
	AlertLevelError   = 2
)

// supportedVersion is the only (ClientHello, ServerHello) wire version
// this core negotiates: TLS 1.3 final.
const supportedVersion uint16 = 0x0304

// legacyVersion is the fixed ClientHello.legacy_version / ServerHello.version
// wire value required by RFC 8446 for backward compatibility with TLS 1.2
// middleboxes.
const legacyVersion uint16 = 0x0303

// hrrRandomSentinel is the fixed value RFC 8446 §4.1.3 assigns to
// ServerHello.random to signal that the message is actually a
// HelloRetryRequest: SHA-256("HelloRetryRequest").
var hrrRandomSentinel = [32]byte{
	0xCF, 0x21, 0xAD, 0x74, 0xE5, 0x9A, 0x61, 0x11,
	0xBE, 0x1D, 0x8C, 0x02, 0x1E, 0x65, 0xB8, 0x91,
	0xC2, 0xA2, 0x11, 0x16, 0x7A, 0xBB, 0x8C, 0x5E,
	0x07, 0x9E, 0x09, 0xE2, 0xC8, 0xA8, 0x33, 0x9C,
}

// downgradeSentinel1 / downgradeSentinel2 occupy the last 8 bytes of
// ServerHello.random when a TLS 1.3-capable server negotiates TLS 1.2 or
// TLS 1.1-or-below respectively, per RFC 8446 §4.1.3. A TLS 1.3 client
// that sees either value after negotiating a lower version MUST abort.
var downgradeSentinel1 = [8]byte{0x44, 0x4F, 0x57, 0x4E, 0x47, 0x52, 0x44, 0x01}
var downgradeSentinel2 = [8]byte{0x44, 0x4F, 0x57, 0x4E, 0x47, 0x52, 0x44, 0x00}

type marshaler interface {
	Marshal() ([]byte, error)
}

type unmarshaler interface {
	Unmarshal([]byte) (int, error)
}
