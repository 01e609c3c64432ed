package tls13

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCaps() Capabilities {
	return Capabilities{
		CipherSuites:     []CipherSuite{TLS_AES_128_GCM_SHA256},
		Groups:           []NamedGroup{X25519},
		SignatureSchemes: []SignatureScheme{ECDSA_P256_SHA256},
	}
}

func TestClientStateStartProducesClientHello(t *testing.T) {
	state := ClientStateStart{
		Caps: testCaps(),
		Opts: ConnectionOptions{ServerName: "example.com"},
	}

	next, actions, alert := state.Next(nil)
	require.Equal(t, AlertNoAlert, alert)
	require.IsType(t, ClientStateWaitSH{}, next)
	require.Len(t, actions, 1)

	send, ok := actions[0].(SendHandshakeMessage)
	require.True(t, ok)
	require.Equal(t, HandshakeTypeClientHello, send.Message.msgType)

	body, err := send.Message.ToBody()
	require.NoError(t, err)
	ch, ok := body.(*ClientHelloBody)
	require.True(t, ok)

	var sni ServerNameExtension
	require.True(t, ch.Extensions.Find(&sni))
	require.Equal(t, "example.com", string(sni))

	var ks KeyShareExtension
	ks.HandshakeType = HandshakeTypeClientHello
	require.True(t, ch.Extensions.Find(&ks))
	require.Len(t, ks.Shares, 1)
	require.Equal(t, X25519, ks.Shares[0].Group)
}

func TestClientStateStartRejectsNonNilMessage(t *testing.T) {
	state := ClientStateStart{Caps: testCaps(), Opts: ConnectionOptions{ServerName: "example.com"}}
	_, _, alert := state.Next(&HandshakeMessage{msgType: HandshakeTypeServerHello})
	require.Equal(t, AlertUnexpectedMessage, alert)
}

func TestDowngradeDetected(t *testing.T) {
	var benign [32]byte
	require.False(t, downgradeDetected(benign))

	var tls12Sentinel [32]byte
	copy(tls12Sentinel[24:], downgradeSentinel1[:])
	require.True(t, downgradeDetected(tls12Sentinel))

	var tls11Sentinel [32]byte
	copy(tls11Sentinel[24:], downgradeSentinel2[:])
	require.True(t, downgradeDetected(tls11Sentinel))
}

func waitSHState(t *testing.T, caps Capabilities) ClientStateWaitSH {
	t.Helper()
	state := ClientStateStart{Caps: caps, Opts: ConnectionOptions{ServerName: "example.com"}}
	next, _, alert := state.Next(nil)
	require.Equal(t, AlertNoAlert, alert)
	waitSH, ok := next.(ClientStateWaitSH)
	require.True(t, ok)
	return waitSH
}

func TestSecondHelloRetryRequestIsFatal(t *testing.T) {
	waitSH := waitSHState(t, testCaps())
	waitSH.helloRetryRequest = &HandshakeMessage{msgType: HandshakeTypeHelloRetryRequest}

	hrr := &HelloRetryRequestBody{Version: supportedVersion, CipherSuite: TLS_AES_128_GCM_SHA256}
	hm, err := HandshakeMessageFromBody(hrr)
	require.NoError(t, err)

	_, _, alert := waitSH.Next(hm)
	require.Equal(t, AlertUnexpectedMessage, alert)
}

func TestHelloRetryRequestRejectsAlreadyOfferedGroup(t *testing.T) {
	waitSH := waitSHState(t, testCaps())

	hrr := &HelloRetryRequestBody{Version: supportedVersion, CipherSuite: TLS_AES_128_GCM_SHA256}
	ks := &KeyShareExtension{HandshakeType: HandshakeTypeHelloRetryRequest, SelectedGroup: X25519}
	require.NoError(t, hrr.Extensions.Add(ks))
	hm, err := HandshakeMessageFromBody(hrr)
	require.NoError(t, err)

	_, _, alert := waitSH.Next(hm)
	require.Equal(t, AlertIllegalParameter, alert)
}

func TestHelloRetryRequestRequiresCookieOrKeyShare(t *testing.T) {
	waitSH := waitSHState(t, testCaps())

	hrr := &HelloRetryRequestBody{Version: supportedVersion, CipherSuite: TLS_AES_128_GCM_SHA256}
	hm, err := HandshakeMessageFromBody(hrr)
	require.NoError(t, err)

	_, _, alert := waitSH.Next(hm)
	require.Equal(t, AlertIllegalParameter, alert)
}

func TestHelloRetryRequestUnderPSKOnlyIsFatal(t *testing.T) {
	caps := testCaps()
	waitSH := waitSHState(t, caps)
	waitSH.Params.UsingPSK = true
	waitSH.Caps.PSKModes = []PSKKeyExchangeMode{PSKModeKE}

	hrr := &HelloRetryRequestBody{Version: supportedVersion, CipherSuite: TLS_AES_128_GCM_SHA256}
	require.NoError(t, hrr.Extensions.Add(&CookieExtension{Cookie: []byte{1, 2, 3}}))
	hm, err := HandshakeMessageFromBody(hrr)
	require.NoError(t, err)

	_, _, alert := waitSH.Next(hm)
	require.Equal(t, AlertUnexpectedMessage, alert)
}

func TestWaitFinishedRejectsBadVerifyData(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	state := ClientStateWaitFinished{
		Params:                       ConnectionParameters{CipherSuite: TLS_AES_128_GCM_SHA256},
		cryptoParams:                 params,
		handshakeHash:                params.hash.New(),
		serverHandshakeTrafficSecret: bytes.Repeat([]byte{0x11}, params.hash.Size()),
		clientHandshakeTrafficSecret: bytes.Repeat([]byte{0x22}, params.hash.Size()),
		masterSecret:                 bytes.Repeat([]byte{0x33}, params.hash.Size()),
	}

	fin := &FinishedBody{VerifyDataLen: params.hash.Size(), VerifyData: bytes.Repeat([]byte{0xff}, params.hash.Size())}
	hm, err := HandshakeMessageFromBody(fin)
	require.NoError(t, err)

	_, _, alert := state.Next(hm)
	require.Equal(t, AlertHandshakeFailure, alert)
}

// TestWaitFinishedVerifyDataMismatchPositionDoesNotChangeOutcome checks that
// whether the bad byte is first or last, the client reaches the exact same
// alert. It checks the outcome only; it does not measure timing, so it
// cannot tell a constant-time comparison from a short-circuiting one.
func TestWaitFinishedVerifyDataMismatchPositionDoesNotChangeOutcome(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	newState := func() ClientStateWaitFinished {
		return ClientStateWaitFinished{
			Params:                       ConnectionParameters{CipherSuite: TLS_AES_128_GCM_SHA256},
			cryptoParams:                 params,
			handshakeHash:                params.hash.New(),
			serverHandshakeTrafficSecret: bytes.Repeat([]byte{0x11}, params.hash.Size()),
			clientHandshakeTrafficSecret: bytes.Repeat([]byte{0x22}, params.hash.Size()),
			masterSecret:                 bytes.Repeat([]byte{0x33}, params.hash.Size()),
		}
	}

	h3 := params.hash.New().Sum(nil)
	good := computeFinishedData(params, bytes.Repeat([]byte{0x11}, params.hash.Size()), h3)

	mismatchFirstByte := append([]byte{}, good...)
	mismatchFirstByte[0] ^= 0xff
	mismatchLastByte := append([]byte{}, good...)
	mismatchLastByte[len(mismatchLastByte)-1] ^= 0xff

	for _, bad := range [][]byte{mismatchFirstByte, mismatchLastByte} {
		fin := &FinishedBody{VerifyDataLen: len(bad), VerifyData: bad}
		hm, err := HandshakeMessageFromBody(fin)
		require.NoError(t, err)

		_, _, alert := newState().Next(hm)
		require.Equal(t, AlertHandshakeFailure, alert)
	}
}

func TestServerHelloRejectsUnknownExtension(t *testing.T) {
	waitSH := waitSHState(t, testCaps())

	sh := &ServerHelloBody{Version: supportedVersion, CipherSuite: TLS_AES_128_GCM_SHA256}
	sh.Extensions = append(sh.Extensions, Extension{ExtensionType: ExtensionType(0xFFFF), ExtensionData: []byte{}})
	hm, err := HandshakeMessageFromBody(sh)
	require.NoError(t, err)

	_, _, alert := waitSH.Next(hm)
	require.Equal(t, AlertUnsupportedExtension, alert)
}

func TestEncryptedExtensionsRejectsUnknownExtension(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	state := ClientStateWaitEE{
		cryptoParams:  params,
		handshakeHash: params.hash.New(),
	}

	ee := &EncryptedExtensionsBody{}
	ee.Extensions = append(ee.Extensions, Extension{ExtensionType: ExtensionType(0xFFFF), ExtensionData: []byte{}})
	hm, err := HandshakeMessageFromBody(ee)
	require.NoError(t, err)

	_, _, alert := state.Next(hm)
	require.Equal(t, AlertUnsupportedExtension, alert)
}

func TestClientStateStartSkipsExpiredPSK(t *testing.T) {
	caps := testCaps()
	psks := &PSKMapCache{}
	psks.Put("example.com", PreSharedKey{
		CipherSuite: TLS_AES_128_GCM_SHA256,
		Identity:    []byte{0x01},
		Key:         bytes.Repeat([]byte{0x42}, 32),
		ReceivedAt:  time.Now().Add(-8 * 24 * time.Hour),
		ExpiresAt:   time.Now().Add(-24 * time.Hour),
	})
	caps.PSKs = psks

	state := ClientStateStart{Caps: caps, Opts: ConnectionOptions{ServerName: "example.com"}}
	next, actions, alert := state.Next(nil)
	require.Equal(t, AlertNoAlert, alert)
	require.Len(t, actions, 1)

	waitSH, ok := next.(ClientStateWaitSH)
	require.True(t, ok)
	require.False(t, waitSH.Params.UsingPSK)

	send := actions[0].(SendHandshakeMessage)
	body, err := send.Message.ToBody()
	require.NoError(t, err)
	ch := body.(*ClientHelloBody)
	require.False(t, ch.Extensions.Has(ExtensionTypePreSharedKey))
}

func TestClientStateStartOffersUnexpiredPSK(t *testing.T) {
	caps := testCaps()
	psks := &PSKMapCache{}
	psks.Put("example.com", PreSharedKey{
		CipherSuite: TLS_AES_128_GCM_SHA256,
		Identity:    []byte{0x01},
		Key:         bytes.Repeat([]byte{0x42}, 32),
		ReceivedAt:  time.Now(),
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	})
	caps.PSKs = psks
	caps.PSKModes = []PSKKeyExchangeMode{PSKModeKE}

	state := ClientStateStart{Caps: caps, Opts: ConnectionOptions{ServerName: "example.com"}}
	next, actions, alert := state.Next(nil)
	require.Equal(t, AlertNoAlert, alert)
	require.Len(t, actions, 1)

	waitSH, ok := next.(ClientStateWaitSH)
	require.True(t, ok)
	require.True(t, waitSH.Params.UsingPSK)

	send := actions[0].(SendHandshakeMessage)
	body, err := send.Message.ToBody()
	require.NoError(t, err)
	ch := body.(*ClientHelloBody)
	require.True(t, ch.Extensions.Has(ExtensionTypePreSharedKey))
}

func TestClientStateStartSendsCCSAfterClientHelloInCompatMode(t *testing.T) {
	caps := testCaps()
	caps.MiddleboxCompat = true

	state := ClientStateStart{Caps: caps, Opts: ConnectionOptions{ServerName: "example.com"}}
	_, actions, alert := state.Next(nil)
	require.Equal(t, AlertNoAlert, alert)
	require.Len(t, actions, 2)

	_, ok := actions[0].(SendHandshakeMessage)
	require.True(t, ok)
	_, ok = actions[1].(SendCCS)
	require.True(t, ok)
}

func TestClientStateStartOmitsCCSWhenCompatModeDisabled(t *testing.T) {
	state := ClientStateStart{Caps: testCaps(), Opts: ConnectionOptions{ServerName: "example.com"}}
	_, actions, alert := state.Next(nil)
	require.Equal(t, AlertNoAlert, alert)

	for _, action := range actions {
		_, ok := action.(SendCCS)
		require.False(t, ok, "SendCCS must not be emitted when MiddleboxCompat is false")
	}
}

func TestHelloRetryRequestSendsCCSBeforeSecondClientHelloInCompatMode(t *testing.T) {
	caps := testCaps()
	caps.MiddleboxCompat = true
	waitSH := waitSHState(t, caps)

	hrr := &HelloRetryRequestBody{Version: supportedVersion, CipherSuite: TLS_AES_128_GCM_SHA256}
	require.NoError(t, hrr.Extensions.Add(&CookieExtension{Cookie: []byte{1, 2, 3}}))
	hm, err := HandshakeMessageFromBody(hrr)
	require.NoError(t, err)

	_, actions, alert := waitSH.Next(hm)
	require.Equal(t, AlertNoAlert, alert)
	require.NotEmpty(t, actions)

	_, ok := actions[0].(SendCCS)
	require.True(t, ok, "expected [CCS_BEFORE_2ND_CLIENT_HELLO] as the first action of the retry")

	_, ok = actions[1].(SendHandshakeMessage)
	require.True(t, ok)

	// The retried ClientHello itself must not carry its own
	// [CCS_AFTER_CLIENT_HELLO]; only one CCS precedes it.
	for _, action := range actions[2:] {
		_, isCCS := action.(SendCCS)
		require.False(t, isCCS)
	}
}

func TestWaitFinishedSendsCCSAfterServerFinishedInCompatMode(t *testing.T) {
	params := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	serverSecret := bytes.Repeat([]byte{0x11}, params.hash.Size())
	state := ClientStateWaitFinished{
		Params:                       ConnectionParameters{CipherSuite: TLS_AES_128_GCM_SHA256},
		cryptoParams:                 params,
		handshakeHash:                params.hash.New(),
		serverHandshakeTrafficSecret: serverSecret,
		clientHandshakeTrafficSecret: bytes.Repeat([]byte{0x22}, params.hash.Size()),
		masterSecret:                 bytes.Repeat([]byte{0x33}, params.hash.Size()),
		middleboxCompat:              true,
	}

	h3 := params.hash.New().Sum(nil)
	good := computeFinishedData(params, serverSecret, h3)
	fin := &FinishedBody{VerifyDataLen: len(good), VerifyData: good}
	hm, err := HandshakeMessageFromBody(fin)
	require.NoError(t, err)

	_, actions, alert := state.Next(hm)
	require.Equal(t, AlertNoAlert, alert)

	sawCCS := false
	for _, action := range actions {
		if _, ok := action.(SendCCS); ok {
			sawCCS = true
		}
	}
	require.True(t, sawCCS, "expected [CCS_AFTER_SERVER_FINISHED] among the client's Finished-flight actions")
}
