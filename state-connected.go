package tls13

// StateConnected is the terminal handshake state (spec §4.1's CONNECTED):
// application data flows freely in both directions, and the only handshake
// messages a compliant server still sends are post-handshake
// NewSessionTicket and KeyUpdate (RFC 8446 §4.6). Both are handled here
// rather than by the driver, since interpreting them needs the traffic
// secrets this state already holds.
type StateConnected struct {
	Params ConnectionParameters

	isClient     bool
	cryptoParams cipherSuiteParams

	resumptionSecret    []byte
	clientTrafficSecret []byte
	serverTrafficSecret []byte
}

func (state StateConnected) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil {
		return state, nil, AlertNoAlert
	}

	switch hm.msgType {
	case HandshakeTypeNewSessionTicket:
		tkt := &NewSessionTicketBody{}
		if _, err := tkt.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[StateConnected] error decoding NewSessionTicket: %v", err)
			return nil, nil, AlertDecodeError
		}

		psk := newSessionTicketToPSK(state.Params, state.cryptoParams, state.resumptionSecret, tkt)
		return state, []HandshakeAction{StorePSK{PSK: psk}}, AlertNoAlert

	case HandshakeTypeKeyUpdate:
		ku := &KeyUpdateBody{}
		if _, err := ku.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[StateConnected] error decoding KeyUpdate: %v", err)
			return nil, nil, AlertDecodeError
		}
		return state.KeyUpdate(ku.KeyUpdateRequest)

	default:
		logf(logTypeHandshake, "[StateConnected] unexpected handshake message type %v", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}
}

// KeyUpdate handles a KeyUpdate received from the peer: it advances the
// reading traffic secret and, if the peer requested it, also advances the
// sending traffic secret and answers with a KeyUpdate carrying
// update_not_requested. Secrets follow RFC 8446 §7.2's KeyUpdate generation:
// next_secret = HKDF-Expand-Label(secret, "traffic upd", "", Hash.len).
func (state StateConnected) KeyUpdate(request KeyUpdateRequest) (HandshakeState, []HandshakeAction, Alert) {
	nextServerSecret := hkdfExpandLabel(state.cryptoParams.hash, state.serverTrafficSecret, labelTrafficUpdate, nil, state.cryptoParams.hash.Size())
	nextServerKeys := makeTrafficKeys(state.cryptoParams, nextServerSecret)

	actions := []HandshakeAction{RekeyIn{Label: "application", Suite: state.Params.CipherSuite, KeySet: nextServerKeys}}

	nextState := state
	nextState.serverTrafficSecret = nextServerSecret

	if request == KeyUpdateRequested {
		nextClientSecret := hkdfExpandLabel(state.cryptoParams.hash, state.clientTrafficSecret, labelTrafficUpdate, nil, state.cryptoParams.hash.Size())
		nextClientKeys := makeTrafficKeys(state.cryptoParams, nextClientSecret)

		ku := &KeyUpdateBody{KeyUpdateRequest: KeyUpdateNotRequested}
		kum, err := HandshakeMessageFromBody(ku)
		if err != nil {
			return nil, nil, AlertInternalError
		}

		actions = append(actions,
			SendHandshakeMessage{kum},
			RekeyOut{Label: "application", Suite: state.Params.CipherSuite, KeySet: nextClientKeys},
		)
		nextState.clientTrafficSecret = nextClientSecret
	}

	return nextState, actions, AlertNoAlert
}
