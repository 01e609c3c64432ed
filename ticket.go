package tls13

import "time"

// defaultTicketLifetime bounds a received ticket's usable lifetime at 7
// days even if the server's advertised ticket_lifetime is longer, mirroring
// RFC 8446 §4.6.1's "MUST NOT use ticket_lifetime values longer than 7
// days" requirement on the issuing side by enforcing the same cap on
// ingestion.
const defaultTicketLifetime = 7 * 24 * time.Hour

// newSessionTicketToPSK turns a post-handshake NewSessionTicket into a
// PreSharedKey ready for PreSharedKeyCache.Put, deriving the PSK per RFC
// 8446 §4.6.1: PSK = HKDF-Expand-Label(resumption_master_secret,
// "resumption", ticket_nonce, Hash.length).
func newSessionTicketToPSK(params ConnectionParameters, cryptoParams cipherSuiteParams, resumptionSecret []byte, tkt *NewSessionTicketBody) PreSharedKey {
	psk := hkdfExpandLabel(cryptoParams.hash, resumptionSecret, labelResumption, tkt.TicketNonce, cryptoParams.hash.Size())

	lifetime := time.Duration(tkt.TicketLifetime) * time.Second
	if lifetime > defaultTicketLifetime {
		lifetime = defaultTicketLifetime
	}

	now := ticketClock()

	ed := EarlyDataExtension{ForNewSessionTicket: true}
	tkt.Extensions.Find(&ed)

	return PreSharedKey{
		CipherSuite:      params.CipherSuite,
		IsResumption:     true,
		Identity:         tkt.Ticket,
		Key:              psk,
		NextProto:        params.NextProto,
		ReceivedAt:       now,
		ExpiresAt:        now.Add(lifetime),
		TicketAgeAdd:     tkt.TicketAgeAdd,
		MaxEarlyDataSize: ed.MaxEarlyDataSize,
	}
}

// ticketClock is the package's notion of "now" for ticket bookkeeping,
// overridable so tests can exercise expiry without sleeping.
var ticketClock = time.Now
