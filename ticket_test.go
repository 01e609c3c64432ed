package tls13

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSessionTicketToPSKDerivesKeyAndCapsLifetime(t *testing.T) {
	fixedNow := time.Unix(1_700_000_000, 0)
	old := ticketClock
	ticketClock = func() time.Time { return fixedNow }
	defer func() { ticketClock = old }()

	params := ConnectionParameters{CipherSuite: TLS_AES_128_GCM_SHA256, NextProto: "h2"}
	cryptoParams := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	resumptionSecret := make([]byte, cryptoParams.hash.Size())
	for i := range resumptionSecret {
		resumptionSecret[i] = byte(i)
	}

	tkt := &NewSessionTicketBody{
		TicketLifetime: 60 * 60 * 24 * 30, // 30 days, over the 7-day cap
		TicketAgeAdd:   0xdeadbeef,
		TicketNonce:    []byte{0x01},
		Ticket:         []byte{0xaa, 0xbb},
	}

	psk := newSessionTicketToPSK(params, cryptoParams, resumptionSecret, tkt)

	require.Equal(t, TLS_AES_128_GCM_SHA256, psk.CipherSuite)
	require.True(t, psk.IsResumption)
	require.Equal(t, tkt.Ticket, psk.Identity)
	require.Equal(t, "h2", psk.NextProto)
	require.Equal(t, uint32(0xdeadbeef), psk.TicketAgeAdd)
	require.Equal(t, fixedNow, psk.ReceivedAt)
	require.Equal(t, fixedNow.Add(defaultTicketLifetime), psk.ExpiresAt)
	require.Len(t, psk.Key, cryptoParams.hash.Size())
	require.NotEqual(t, resumptionSecret, psk.Key)
}

func TestNewSessionTicketToPSKHonorsShorterLifetime(t *testing.T) {
	fixedNow := time.Unix(1_700_000_000, 0)
	old := ticketClock
	ticketClock = func() time.Time { return fixedNow }
	defer func() { ticketClock = old }()

	params := ConnectionParameters{CipherSuite: TLS_AES_128_GCM_SHA256}
	cryptoParams := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	resumptionSecret := make([]byte, cryptoParams.hash.Size())

	tkt := &NewSessionTicketBody{
		TicketLifetime: 3600, // one hour, under the cap
		TicketNonce:    []byte{0x02},
		Ticket:         []byte{0xcc},
	}

	psk := newSessionTicketToPSK(params, cryptoParams, resumptionSecret, tkt)
	require.Equal(t, fixedNow.Add(time.Hour), psk.ExpiresAt)
}

func TestStateConnectedKeyUpdateAdvancesSecrets(t *testing.T) {
	cryptoParams := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	serverSecret := make([]byte, cryptoParams.hash.Size())
	clientSecret := make([]byte, cryptoParams.hash.Size())
	for i := range serverSecret {
		serverSecret[i] = byte(i)
		clientSecret[i] = byte(i + 1)
	}

	state := StateConnected{
		Params:              ConnectionParameters{CipherSuite: TLS_AES_128_GCM_SHA256},
		cryptoParams:        cryptoParams,
		serverTrafficSecret: serverSecret,
		clientTrafficSecret: clientSecret,
	}

	next, actions, alert := state.KeyUpdate(KeyUpdateNotRequested)
	require.Equal(t, AlertNoAlert, alert)
	require.Len(t, actions, 1)
	_, ok := actions[0].(RekeyIn)
	require.True(t, ok)

	updated := next.(StateConnected)
	require.NotEqual(t, serverSecret, updated.serverTrafficSecret)
	require.Equal(t, clientSecret, updated.clientTrafficSecret)
}

func TestStateConnectedKeyUpdateRequestedAlsoRekeysOut(t *testing.T) {
	cryptoParams := cipherSuiteMap[TLS_AES_128_GCM_SHA256]
	serverSecret := make([]byte, cryptoParams.hash.Size())
	clientSecret := make([]byte, cryptoParams.hash.Size())

	state := StateConnected{
		Params:              ConnectionParameters{CipherSuite: TLS_AES_128_GCM_SHA256},
		cryptoParams:        cryptoParams,
		serverTrafficSecret: serverSecret,
		clientTrafficSecret: clientSecret,
	}

	_, actions, alert := state.KeyUpdate(KeyUpdateRequested)
	require.Equal(t, AlertNoAlert, alert)
	require.Len(t, actions, 3)

	_, ok := actions[0].(RekeyIn)
	require.True(t, ok)
	send, ok := actions[1].(SendHandshakeMessage)
	require.True(t, ok)
	require.Equal(t, HandshakeTypeKeyUpdate, send.Message.msgType)
	_, ok = actions[2].(RekeyOut)
	require.True(t, ok)
}
