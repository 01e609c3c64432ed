package tls13

import "fmt"

// ErrorKind is the error taxonomy of spec §7. It does not replace Alert (the
// wire value that may need to be sent to the peer); it classifies *why* an
// Alert was raised, which callers and tests care about independently of the
// wire encoding.
type ErrorKind int

const (
	ErrorKindDecode ErrorKind = iota
	ErrorKindIllegalParameter
	ErrorKindUnexpectedMessage
	ErrorKindUnsupportedExtension
	ErrorKindHandshakeFailure
	ErrorKindDecryptError
	ErrorKindCertificate
	ErrorKindResource
	ErrorKindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindDecode:
		return "decode"
	case ErrorKindIllegalParameter:
		return "illegal_parameter"
	case ErrorKindUnexpectedMessage:
		return "unexpected_message"
	case ErrorKindUnsupportedExtension:
		return "unsupported_extension"
	case ErrorKindHandshakeFailure:
		return "handshake_failure"
	case ErrorKindDecryptError:
		return "decrypt_error"
	case ErrorKindCertificate:
		return "certificate"
	case ErrorKindResource:
		return "resource"
	default:
		return "internal"
	}
}

// HandshakeError is the fatal-error type returned by the package's
// lower-level helpers (wire parsing, key exchange, signatures, the record
// layer); the state machine and driver report fatal conditions as a bare
// Alert instead. It always carries the alert that should be (or was) sent to
// the peer, plus the taxonomy kind from spec §7 so callers can distinguish,
// say, a decryption failure from a decode failure without string-matching.
type HandshakeError struct {
	Kind  ErrorKind
	Alert Alert
	Msg   string
}

func (e *HandshakeError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("tls13: %s (%s): %s", e.Kind, e.Alert, e.Msg)
	}
	return fmt.Sprintf("tls13: %s (%s)", e.Kind, e.Alert)
}

func newError(kind ErrorKind, alert Alert, format string, args ...interface{}) *HandshakeError {
	return &HandshakeError{Kind: kind, Alert: alert, Msg: fmt.Sprintf(format, args...)}
}

func decodeError(format string, args ...interface{}) *HandshakeError {
	return newError(ErrorKindDecode, AlertDecodeError, format, args...)
}

func illegalParameter(format string, args ...interface{}) *HandshakeError {
	return newError(ErrorKindIllegalParameter, AlertIllegalParameter, format, args...)
}

func unexpectedMessage(format string, args ...interface{}) *HandshakeError {
	return newError(ErrorKindUnexpectedMessage, AlertUnexpectedMessage, format, args...)
}

func unsupportedExtension(format string, args ...interface{}) *HandshakeError {
	return newError(ErrorKindUnsupportedExtension, AlertUnsupportedExtension, format, args...)
}

func handshakeFailure(format string, args ...interface{}) *HandshakeError {
	return newError(ErrorKindHandshakeFailure, AlertHandshakeFailure, format, args...)
}

func decryptError(format string, args ...interface{}) *HandshakeError {
	return newError(ErrorKindDecryptError, AlertDecryptError, format, args...)
}

func internalError(format string, args ...interface{}) *HandshakeError {
	return newError(ErrorKindInternal, AlertInternalError, format, args...)
}

func resourceError(format string, args ...interface{}) *HandshakeError {
	return newError(ErrorKindResource, AlertInternalError, format, args...)
}

// certificateFlags is the bitmask an X.509 collaborator returns from
// verify-with-profile (spec §6); mapCertificateError turns it into the
// taxonomy's Certificate-family alert per spec §4.6/§7.
type certificateFlags uint32

const (
	certFlagExpired certificateFlags = 1 << iota
	certFlagRevoked
	certFlagUnknownCA
	certFlagNotYetValid
	certFlagNameMismatch
	certFlagUnsupportedKeyType
	certFlagPolicyRejected
)

func mapCertificateError(flags certificateFlags) *HandshakeError {
	alert := AlertCertificateUnknown
	switch {
	case flags&certFlagExpired != 0:
		alert = AlertCertificateExpired
	case flags&certFlagRevoked != 0:
		alert = AlertCertificateRevoked
	case flags&certFlagUnknownCA != 0:
		alert = AlertUnknownCA
	case flags&certFlagNotYetValid != 0:
		alert = AlertBadCertificate
	case flags&certFlagUnsupportedKeyType != 0:
		alert = AlertUnsupportedCertificate
	case flags&certFlagPolicyRejected != 0:
		alert = AlertAccessDenied
	}
	return newError(ErrorKindCertificate, alert, "certificate verification failed: flags=%#x", flags)
}
