package tls13

import (
	"bytes"
	"crypto"
	"crypto/subtle"
	"hash"
	"time"
)

// Client State Machine (RFC 8446 §2, state names grounded on the original
// mbedTLS client driver this core distills):
//
//                            START <----+
//             Send ClientHello |        | Recv HelloRetryRequest
//          /                   v        |
//         |                  WAIT_SH ---+
//     Can |                    | Recv ServerHello
//    send |                    V
//   early |                 WAIT_EE
//    data |                    | Recv EncryptedExtensions
//         |           +--------+--------+
//         |     Using |                 | Using certificate
//         |       PSK |                 v
//         |           |            WAIT_CERT_CR
//         |           |        Recv |       | Recv CertificateRequest
//         |           | Certificate |       v
//         |           |             |    WAIT_CERT
//         |           |             v       v
//         |           |              WAIT_CV
//         |           |                 | Recv CertificateVerify
//         |           +> WAIT_FINISHED <+
//         |                  | Recv Finished
//         \                  |
//                            | [Send EndOfEarlyData]
//                            | [Send Certificate [+ CertificateVerify]]
//                            | Send Finished
//  Can send                  v
//  app data -->          CONNECTED
//  after
//  here

type ClientStateStart struct {
	Caps   Capabilities
	Opts   ConnectionOptions
	Params ConnectionParameters

	cookie            []byte
	firstClientHello  *HandshakeMessage
	helloRetryRequest *HandshakeMessage
	earlyData         earlyStateData
}

func (state ClientStateStart) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm != nil {
		logf(logTypeHandshake, "[ClientStateStart] unexpected non-nil message")
		return nil, nil, AlertUnexpectedMessage
	}

	offeredDH := map[NamedGroup][]byte{}
	ks := KeyShareExtension{
		HandshakeType: HandshakeTypeClientHello,
		Shares:        make([]KeyShareEntry, len(state.Caps.Groups)),
	}
	for i, group := range state.Caps.Groups {
		pub, priv, err := newKeyShare(group, true)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error generating key share: %v", err)
			return nil, nil, AlertInternalError
		}

		ks.Shares[i].Group = group
		ks.Shares[i].KeyExchange = pub
		offeredDH[group] = priv
	}

	sv := SupportedVersionsExtension{Versions: []uint16{supportedVersion}}
	sni := ServerNameExtension(state.Opts.ServerName)
	sg := SupportedGroupsExtension{Groups: state.Caps.Groups}
	sa := SignatureAlgorithmsExtension{Algorithms: state.Caps.SignatureSchemes}

	state.Params.ServerName = state.Opts.ServerName

	var alpn *ALPNExtension
	if len(state.Opts.NextProtos) > 0 {
		alpn = &ALPNExtension{Protocols: state.Opts.NextProtos}
	}

	var mfl *MaxFragmentLengthExtension
	if state.Caps.MaxFragmentLength != 0 {
		mfl = &MaxFragmentLengthExtension{Code: state.Caps.MaxFragmentLength}
	}

	ch := &ClientHelloBody{
		CipherSuites: state.Caps.CipherSuites,
	}
	if _, err := prng.Read(ch.Random[:]); err != nil {
		logf(logTypeHandshake, "[ClientStateStart] error creating random: %v", err)
		return nil, nil, AlertInternalError
	}

	for _, ext := range []ExtensionBody{&sv, &sni, &ks, &sg, &sa} {
		if err := ch.Extensions.Add(ext); err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error adding extension %v: %v", ext.Type(), err)
			return nil, nil, AlertInternalError
		}
	}
	if alpn != nil {
		if err := ch.Extensions.Add(alpn); err != nil {
			return nil, nil, AlertInternalError
		}
	}
	if mfl != nil {
		if err := ch.Extensions.Add(mfl); err != nil {
			return nil, nil, AlertInternalError
		}
	}
	if state.cookie != nil {
		if err := ch.Extensions.Add(&CookieExtension{Cookie: state.cookie}); err != nil {
			return nil, nil, AlertInternalError
		}
	}

	// PSK and early data are bolted on last, since the binder has to be
	// computed over the truncated ClientHello (RFC 8446 §4.2.11.2).
	var clientEarlyTrafficKeys keySet
	var clientHello *HandshakeMessage
	var pskCipherSuite CipherSuite
	var err error

	var key PreSharedKey
	havePSK := false
	if state.Caps.PSKs != nil {
		key, havePSK = state.Caps.PSKs.Get(state.Opts.ServerName)
	}
	if havePSK && time.Now().Before(key.ExpiresAt) {
		pskCipherSuite = key.CipherSuite
		params, ok := cipherSuiteMap[key.CipherSuite]
		if !ok {
			logf(logTypeHandshake, "[ClientStateStart] PSK for unknown ciphersuite")
			return nil, nil, AlertInternalError
		}

		var compatibleSuites []CipherSuite
		for _, suite := range ch.CipherSuites {
			if cipherSuiteMap[suite].hash == params.hash {
				compatibleSuites = append(compatibleSuites, suite)
			}
		}
		ch.CipherSuites = compatibleSuites

		if len(state.Opts.EarlyData) > 0 {
			state.Params.ClientSendingEarlyData = true
			if err := ch.Extensions.Add(&EarlyDataExtension{}); err != nil {
				return nil, nil, AlertInternalError
			}
		}

		if len(state.Caps.PSKModes) == 0 {
			logf(logTypeHandshake, "[ClientStateStart] PSK selected, but no PSK modes configured")
			return nil, nil, AlertInternalError
		}
		if err := ch.Extensions.Add(&PSKKeyExchangeModesExtension{KEModes: state.Caps.PSKModes}); err != nil {
			return nil, nil, AlertInternalError
		}

		psk := &PreSharedKeyExtension{
			HandshakeType: HandshakeTypeClientHello,
			Identities: []PSKIdentity{{
				Identity:            key.Identity,
				ObfuscatedTicketAge: uint32(time.Since(key.ReceivedAt)/time.Millisecond) + key.TicketAgeAdd,
			}},
			Binders: []PSKBinderEntry{{Binder: bytes.Repeat([]byte{0}, params.hash.Size())}},
		}
		if err := ch.Extensions.Add(psk); err != nil {
			return nil, nil, AlertInternalError
		}

		zero := bytes.Repeat([]byte{0}, params.hash.Size())

		earlySecret := hkdfExtract(params.hash, zero, key.Key)

		h0 := params.hash.New().Sum(nil)
		binderLabel := labelExternalBinder
		if key.IsResumption {
			binderLabel = labelResumptionBinder
		}
		binderKey := deriveSecret(params, earlySecret, binderLabel, h0)

		trunc, err := ch.Truncated()
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error truncating ClientHello: %v", err)
			return nil, nil, AlertInternalError
		}
		truncHash := params.hash.New()
		truncHash.Write(trunc)

		binder := computeFinishedData(params, binderKey, truncHash.Sum(nil))
		psk.Binders[0].Binder = binder
		if err := ch.Extensions.Add(psk); err != nil {
			return nil, nil, AlertInternalError
		}

		clientHello, err = HandshakeMessageFromBody(ch)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error marshaling ClientHello: %v", err)
			return nil, nil, AlertInternalError
		}

		h := params.hash.New()
		h.Write(clientHello.Marshal())
		chHash := h.Sum(nil)

		earlyTrafficSecret := deriveSecret(params, earlySecret, labelEarlyTrafficSecret, chHash)
		clientEarlyTrafficKeys = makeTrafficKeys(params, earlyTrafficSecret)

		state.Params.UsingPSK = true
		state.earlyData = earlyStateData{
			secret: earlySecret,
			hash:   params.hash,
			params: params,
			psk:    key,
		}
	} else if len(state.Opts.EarlyData) > 0 {
		logf(logTypeHandshake, "[ClientStateStart] early data requested without a matching PSK")
		return nil, nil, AlertInternalError
	} else {
		clientHello, err = HandshakeMessageFromBody(ch)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error marshaling ClientHello: %v", err)
			return nil, nil, AlertInternalError
		}
	}

	firstClientHello := state.firstClientHello
	if firstClientHello == nil {
		firstClientHello = clientHello
	}

	nextState := ClientStateWaitSH{
		Caps:      state.Caps,
		Opts:      state.Opts,
		Params:    state.Params,
		OfferedDH: offeredDH,
		earlyData: state.earlyData,

		firstClientHello:  firstClientHello,
		helloRetryRequest: state.helloRetryRequest,
		clientHello:       clientHello,
	}

	toSend := []HandshakeAction{SendHandshakeMessage{clientHello}}
	if state.Caps.MiddleboxCompat && state.firstClientHello == nil {
		// [CCS_AFTER_CLIENT_HELLO]: only on the very first ClientHello: a
		// post-HRR retry gets its own [CCS_BEFORE_2ND_CLIENT_HELLO] instead.
		toSend = append(toSend, SendCCS{})
	}
	if state.Params.ClientSendingEarlyData {
		toSend = append(toSend,
			RekeyOut{Label: "early", Suite: pskCipherSuite, KeySet: clientEarlyTrafficKeys},
			SendEarlyData{},
		)
	}

	return nextState, toSend, AlertNoAlert
}

// earlyStateData threads PSK/0-RTT key-schedule state from ClientStateStart
// through to ClientStateWaitSH, where the negotiated ciphersuite confirms
// (or contradicts) the guess this state made before seeing ServerHello.
type earlyStateData struct {
	secret []byte
	hash   crypto.Hash
	params cipherSuiteParams
	psk    PreSharedKey
}

type ClientStateWaitSH struct {
	Caps      Capabilities
	Opts      ConnectionOptions
	Params    ConnectionParameters
	OfferedDH map[NamedGroup][]byte
	earlyData earlyStateData

	firstClientHello  *HandshakeMessage
	helloRetryRequest *HandshakeMessage
	clientHello       *HandshakeMessage
}

func (state ClientStateWaitSH) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] unexpected nil message")
		return nil, nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}

	switch body := bodyGeneric.(type) {
	case *HelloRetryRequestBody:
		hrr := body

		if state.helloRetryRequest != nil {
			logf(logTypeHandshake, "[ClientStateWaitSH] received a second HelloRetryRequest")
			return nil, nil, AlertUnexpectedMessage
		}

		if state.Params.UsingPSK && len(state.Caps.PSKModes) == 1 && state.Caps.PSKModes[0] == PSKModeKE {
			logf(logTypeHandshake, "[ClientStateWaitSH] HRR is illegal when only psk_ke was offered")
			return nil, nil, AlertUnexpectedMessage
		}

		if hrr.Version != supportedVersion {
			logf(logTypeHandshake, "[ClientStateWaitSH] unsupported version %#04x", hrr.Version)
			return nil, nil, AlertProtocolVersion
		}

		supportedCipherSuite := false
		for _, suite := range state.Caps.CipherSuites {
			supportedCipherSuite = supportedCipherSuite || suite == hrr.CipherSuite
		}
		if !supportedCipherSuite {
			logf(logTypeHandshake, "[ClientStateWaitSH] unsupported ciphersuite %#04x", hrr.CipherSuite)
			return nil, nil, AlertHandshakeFailure
		}
		state.Caps.CipherSuites = []CipherSuite{hrr.CipherSuite}

		serverCookie := new(CookieExtension)
		foundCookie := hrr.Extensions.Find(serverCookie)

		keyShareExt := new(KeyShareExtension)
		keyShareExt.HandshakeType = HandshakeTypeHelloRetryRequest
		foundKeyShare := hrr.Extensions.Find(keyShareExt)
		if foundKeyShare {
			newGroup := keyShareExt.SelectedGroup
			// RFC 8446 §4.1.4: the server MUST select a group the client
			// offered in supported_groups, and MUST NOT select one the client
			// already sent a key_share for.
			offeredGroup := false
			for _, group := range state.Caps.Groups {
				offeredGroup = offeredGroup || group == newGroup
			}
			if !offeredGroup {
				logf(logTypeHandshake, "[ClientStateWaitSH] HRR selected a group that was not offered: %v", newGroup)
				return nil, nil, AlertIllegalParameter
			}
			if _, alreadyOffered := state.OfferedDH[newGroup]; alreadyOffered {
				logf(logTypeHandshake, "[ClientStateWaitSH] HRR selected an already-offered group: %v", newGroup)
				return nil, nil, AlertIllegalParameter
			}
			state.Caps.Groups = []NamedGroup{newGroup}
		}

		if !foundCookie && !foundKeyShare {
			logf(logTypeHandshake, "[ClientStateWaitSH] HRR carries neither cookie nor key_share")
			return nil, nil, AlertIllegalParameter
		}

		params, ok := cipherSuiteMap[hrr.CipherSuite]
		if !ok {
			return nil, nil, AlertHandshakeFailure
		}
		h := params.hash.New()
		h.Write(state.clientHello.Marshal())
		firstClientHello := messageHash(h.Sum(nil))

		logf(logTypeHandshake, "[ClientStateWaitSH] -> [ClientStateStart] (retry)")
		nextState, actions, alert := ClientStateStart{
			Caps:              state.Caps,
			Opts:              state.Opts,
			Params:            state.Params,
			cookie:            serverCookie.Cookie,
			firstClientHello:  firstClientHello,
			helloRetryRequest: hm,
		}.Next(nil)
		if alert == AlertNoAlert && state.Caps.MiddleboxCompat {
			// [CCS_BEFORE_2ND_CLIENT_HELLO]: sent once, ahead of the retried
			// ClientHello; the retried ClientHello never gets its own
			// [CCS_AFTER_CLIENT_HELLO] (see ClientStateStart.Next).
			actions = append([]HandshakeAction{SendCCS{}}, actions...)
		}
		return nextState, actions, alert

	case *ServerHelloBody:
		sh := body

		if sh.Version != supportedVersion {
			if downgradeDetected(sh.Random) {
				logf(logTypeHandshake, "[ClientStateWaitSH] downgrade sentinel present in ServerHello.random")
				return nil, nil, AlertIllegalParameter
			}
			logf(logTypeHandshake, "[ClientStateWaitSH] unsupported version %#04x", sh.Version)
			return nil, nil, AlertProtocolVersion
		}

		supportedCipherSuite := false
		for _, suite := range state.Caps.CipherSuites {
			supportedCipherSuite = supportedCipherSuite || suite == sh.CipherSuite
		}
		if !supportedCipherSuite {
			logf(logTypeHandshake, "[ClientStateWaitSH] unsupported ciphersuite %#04x", sh.CipherSuite)
			return nil, nil, AlertHandshakeFailure
		}

		if badType, found := sh.Extensions.RejectUnknown(serverHelloAllowedExtensions); found {
			logf(logTypeHandshake, "[ClientStateWaitSH] unsupported extension %#04x in ServerHello", badType)
			return nil, nil, AlertUnsupportedExtension
		}

		serverPSK := PreSharedKeyExtension{HandshakeType: HandshakeTypeServerHello}
		serverKeyShare := KeyShareExtension{HandshakeType: HandshakeTypeServerHello}

		foundPSK := sh.Extensions.Find(&serverPSK)
		foundKeyShare := sh.Extensions.Find(&serverKeyShare)

		state.Params.UsingPSK = foundPSK && serverPSK.SelectedIdentity == 0

		var dhSecret []byte
		if foundKeyShare {
			sks := serverKeyShare.Shares[0]
			priv, ok := state.OfferedDH[sks.Group]
			if !ok {
				logf(logTypeHandshake, "[ClientStateWaitSH] key_share for unsolicited group %v", sks.Group)
				return nil, nil, AlertIllegalParameter
			}

			state.Params.UsingDH = true
			dhSecret, err = keyAgreement(sks.Group, sks.KeyExchange, priv)
			if err != nil {
				logf(logTypeHandshake, "[ClientStateWaitSH] key agreement failed: %v", err)
				return nil, nil, AlertHandshakeFailure
			}
		}

		suite := sh.CipherSuite
		state.Params.CipherSuite = suite

		params, ok := cipherSuiteMap[suite]
		if !ok {
			logf(logTypeCrypto, "[ClientStateWaitSH] unsupported ciphersuite %#04x", suite)
			return nil, nil, AlertHandshakeFailure
		}

		handshakeHash := params.hash.New()
		handshakeHash.Write(state.firstClientHello.Marshal())
		if state.helloRetryRequest != nil {
			handshakeHash.Write(state.helloRetryRequest.Marshal())
			handshakeHash.Write(state.clientHello.Marshal())
		}
		handshakeHash.Write(hm.Marshal())

		zero := bytes.Repeat([]byte{0}, params.hash.Size())

		var earlySecret []byte
		if state.Params.UsingPSK && state.earlyData.secret != nil {
			earlySecret = state.earlyData.secret
		} else {
			state.Params.UsingPSK = false
			earlySecret = hkdfExtract(params.hash, zero, zero)
		}

		if dhSecret == nil {
			dhSecret = zero
		}

		h0 := params.hash.New().Sum(nil)
		h2 := handshakeHash.Sum(nil)
		preHandshakeSecret := deriveSecret(params, earlySecret, labelDerived, h0)
		handshakeSecret := hkdfExtract(params.hash, preHandshakeSecret, dhSecret)
		clientHandshakeTrafficSecret := deriveSecret(params, handshakeSecret, labelClientHandshakeTrafficSecret, h2)
		serverHandshakeTrafficSecret := deriveSecret(params, handshakeSecret, labelServerHandshakeTrafficSecret, h2)
		preMasterSecret := deriveSecret(params, handshakeSecret, labelDerived, h0)
		masterSecret := hkdfExtract(params.hash, preMasterSecret, zero)

		serverHandshakeKeys := makeTrafficKeys(params, serverHandshakeTrafficSecret)

		logf(logTypeHandshake, "[ClientStateWaitSH] -> [ClientStateWaitEE]")
		nextState := ClientStateWaitEE{
			AuthCertificate:              state.Caps.AuthCertificate,
			Caps:                         state.Caps,
			Params:                       state.Params,
			cryptoParams:                 params,
			handshakeHash:                handshakeHash,
			certificates:                 state.Caps.Certificates,
			masterSecret:                 masterSecret,
			clientHandshakeTrafficSecret: clientHandshakeTrafficSecret,
			serverHandshakeTrafficSecret: serverHandshakeTrafficSecret,
			middleboxCompat:              state.Caps.MiddleboxCompat,
		}
		toSend := []HandshakeAction{
			RekeyIn{Label: "handshake", Suite: suite, KeySet: serverHandshakeKeys},
		}
		return nextState, toSend, AlertNoAlert
	}

	logf(logTypeHandshake, "[ClientStateWaitSH] unexpected message type %v", hm.msgType)
	return nil, nil, AlertUnexpectedMessage
}

// serverHelloAllowedExtensions is the set of extension types RFC 8446 §4.2
// permits a server to return in ServerHello; anything else is fatal (spec
// §4.3, "Unknown extensions in ServerHello are fatal").
var serverHelloAllowedExtensions = map[ExtensionType]bool{
	ExtensionTypeSupportedVersions: true,
	ExtensionTypeKeyShare:          true,
	ExtensionTypePreSharedKey:      true,
}

// encryptedExtensionsAllowedExtensions is the set this client knows how to
// interpret in EncryptedExtensions (spec §4.5 treats anything else as
// fatal, same as ServerHello).
var encryptedExtensionsAllowedExtensions = map[ExtensionType]bool{
	ExtensionTypeServerName:        true,
	ExtensionTypeSupportedGroups:   true,
	ExtensionTypeALPN:              true,
	ExtensionTypeEarlyData:         true,
	ExtensionTypeMaxFragmentLength: true,
}

// downgradeDetected checks ServerHello.random's last 8 bytes against the
// RFC 8446 §4.1.3 downgrade-protection sentinels.
func downgradeDetected(random [32]byte) bool {
	var tail [8]byte
	copy(tail[:], random[24:])
	return tail == downgradeSentinel1 || tail == downgradeSentinel2
}

type ClientStateWaitEE struct {
	AuthCertificate func(chain []CertificateEntry) error
	Caps            Capabilities
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	handshakeHash   hash.Hash
	certificates    []*Certificate
	middleboxCompat bool

	masterSecret                 []byte
	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitEE) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeEncryptedExtensions {
		logf(logTypeHandshake, "[ClientStateWaitEE] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	ee := EncryptedExtensionsBody{}
	if _, err := ee.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitEE] error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}

	if badType, found := ee.Extensions.RejectUnknown(encryptedExtensionsAllowedExtensions); found {
		logf(logTypeHandshake, "[ClientStateWaitEE] unsupported extension %#04x in EncryptedExtensions", badType)
		return nil, nil, AlertUnsupportedExtension
	}

	serverALPN := ALPNExtension{}
	serverEarlyData := EarlyDataExtension{}
	serverMFL := MaxFragmentLengthExtension{}

	gotALPN := ee.Extensions.Find(&serverALPN)
	state.Params.UsingEarlyData = ee.Extensions.Find(&serverEarlyData)
	gotMFL := ee.Extensions.Find(&serverMFL)

	if state.Params.ClientSendingEarlyData {
		if state.Params.UsingEarlyData {
			state.Params.EarlyDataStatus = EarlyDataAccepted
		} else {
			state.Params.EarlyDataStatus = EarlyDataRejected
		}
	}

	if gotALPN && len(serverALPN.Protocols) > 0 {
		state.Params.NextProto = serverALPN.Protocols[0]
	}

	if state.Caps.MaxFragmentLength == 0 && gotMFL {
		logf(logTypeHandshake, "[ClientStateWaitEE] server sent max_fragment_length without a client offer")
		return nil, nil, AlertIllegalParameter
	}
	if state.Caps.MaxFragmentLength != 0 && (!gotMFL || serverMFL.Code != state.Caps.MaxFragmentLength) {
		logf(logTypeHandshake, "[ClientStateWaitEE] server's max_fragment_length does not match the client's offer")
		return nil, nil, AlertIllegalParameter
	}

	state.handshakeHash.Write(hm.Marshal())

	if state.Params.UsingPSK {
		logf(logTypeHandshake, "[ClientStateWaitEE] -> [ClientStateWaitFinished]")
		return ClientStateWaitFinished{
			Params:                       state.Params,
			cryptoParams:                 state.cryptoParams,
			handshakeHash:                state.handshakeHash,
			certificates:                 state.certificates,
			masterSecret:                 state.masterSecret,
			clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
			serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
			middleboxCompat:              state.middleboxCompat,
		}, nil, AlertNoAlert
	}

	logf(logTypeHandshake, "[ClientStateWaitEE] -> [ClientStateWaitCertCR]")
	return ClientStateWaitCertCR{
		AuthCertificate:              state.AuthCertificate,
		Params:                       state.Params,
		cryptoParams:                 state.cryptoParams,
		handshakeHash:                state.handshakeHash,
		certificates:                 state.certificates,
		masterSecret:                 state.masterSecret,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		middleboxCompat:              state.middleboxCompat,
	}, nil, AlertNoAlert
}

type ClientStateWaitCertCR struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	handshakeHash   hash.Hash
	certificates    []*Certificate
	middleboxCompat bool

	masterSecret                 []byte
	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitCertCR) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil {
		logf(logTypeHandshake, "[ClientStateWaitCertCR] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCertCR] error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}

	state.handshakeHash.Write(hm.Marshal())

	switch body := bodyGeneric.(type) {
	case *CertificateBody:
		logf(logTypeHandshake, "[ClientStateWaitCertCR] -> [ClientStateWaitCV]")
		return ClientStateWaitCV{
			AuthCertificate:              state.AuthCertificate,
			Params:                       state.Params,
			cryptoParams:                 state.cryptoParams,
			handshakeHash:                state.handshakeHash,
			certificates:                 state.certificates,
			serverCertificate:            body,
			masterSecret:                 state.masterSecret,
			clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
			serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
			middleboxCompat:              state.middleboxCompat,
		}, nil, AlertNoAlert

	case *CertificateRequestBody:
		if len(body.CertificateRequestContext) > 0 {
			logf(logTypeHandshake, "[ClientStateWaitCertCR] certificate_request carries a non-empty context")
			return nil, nil, AlertIllegalParameter
		}
		schemes := SignatureAlgorithmsExtension{}
		if !body.Extensions.Find(&schemes) {
			logf(logTypeHandshake, "[ClientStateWaitCertCR] certificate_request missing signature_algorithms")
			return nil, nil, AlertMissingExtension
		}

		state.Params.UsingClientAuth = true

		logf(logTypeHandshake, "[ClientStateWaitCertCR] -> [ClientStateWaitCert]")
		return ClientStateWaitCert{
			AuthCertificate:              state.AuthCertificate,
			Params:                       state.Params,
			cryptoParams:                 state.cryptoParams,
			handshakeHash:                state.handshakeHash,
			certificates:                 state.certificates,
			serverCertificateRequest:     body,
			masterSecret:                 state.masterSecret,
			clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
			serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
			middleboxCompat:              state.middleboxCompat,
		}, nil, AlertNoAlert
	}

	return nil, nil, AlertUnexpectedMessage
}

type ClientStateWaitCert struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	handshakeHash   hash.Hash
	middleboxCompat bool

	certificates             []*Certificate
	serverCertificateRequest *CertificateRequestBody

	masterSecret                 []byte
	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitCert) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeCertificate {
		logf(logTypeHandshake, "[ClientStateWaitCert] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	cert := &CertificateBody{}
	if _, err := cert.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCert] error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}
	if len(cert.CertificateList) == 0 {
		logf(logTypeHandshake, "[ClientStateWaitCert] empty certificate list")
		return nil, nil, AlertDecodeError
	}

	state.handshakeHash.Write(hm.Marshal())

	logf(logTypeHandshake, "[ClientStateWaitCert] -> [ClientStateWaitCV]")
	return ClientStateWaitCV{
		AuthCertificate:              state.AuthCertificate,
		Params:                       state.Params,
		cryptoParams:                 state.cryptoParams,
		handshakeHash:                state.handshakeHash,
		certificates:                 state.certificates,
		serverCertificate:            cert,
		serverCertificateRequest:     state.serverCertificateRequest,
		masterSecret:                 state.masterSecret,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		middleboxCompat:              state.middleboxCompat,
	}, nil, AlertNoAlert
}

type ClientStateWaitCV struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	handshakeHash   hash.Hash
	middleboxCompat bool

	certificates             []*Certificate
	serverCertificate        *CertificateBody
	serverCertificateRequest *CertificateRequestBody

	masterSecret                 []byte
	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitCV) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeCertificateVerify {
		logf(logTypeHandshake, "[ClientStateWaitCV] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	certVerify := CertificateVerifyBody{}
	if _, err := certVerify.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}

	hcv := state.handshakeHash.Sum(nil)

	serverPublicKey := state.serverCertificate.CertificateList[0].CertData.PublicKey
	if err := certVerify.Verify(serverPublicKey, hcv); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] server signature failed to verify: %v", err)
		return nil, nil, AlertHandshakeFailure
	}

	if state.AuthCertificate != nil {
		if err := state.AuthCertificate(state.serverCertificate.CertificateList); err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCV] application rejected server certificate: %v", err)
			return nil, nil, AlertBadCertificate
		}
	} else {
		logf(logTypeHandshake, "[ClientStateWaitCV] no AuthCertificate callback installed; certificate left unchecked")
	}

	state.handshakeHash.Write(hm.Marshal())

	logf(logTypeHandshake, "[ClientStateWaitCV] -> [ClientStateWaitFinished]")
	return ClientStateWaitFinished{
		Params:                       state.Params,
		cryptoParams:                 state.cryptoParams,
		handshakeHash:                state.handshakeHash,
		certificates:                 state.certificates,
		serverCertificateRequest:     state.serverCertificateRequest,
		masterSecret:                 state.masterSecret,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		middleboxCompat:              state.middleboxCompat,
	}, nil, AlertNoAlert
}

type ClientStateWaitFinished struct {
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	handshakeHash   hash.Hash
	middleboxCompat bool

	certificates             []*Certificate
	serverCertificateRequest *CertificateRequestBody

	masterSecret                 []byte
	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitFinished) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeFinished {
		logf(logTypeHandshake, "[ClientStateWaitFinished] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	h3 := state.handshakeHash.Sum(nil)
	serverFinishedData := computeFinishedData(state.cryptoParams, state.serverHandshakeTrafficSecret, h3)

	fin := &FinishedBody{VerifyDataLen: len(serverFinishedData)}
	if _, err := fin.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitFinished] error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}

	// RFC 8446 §4.4.4/spec §4.8: the verify_data comparison must run in
	// constant time regardless of where (or whether) the two strings
	// differ. A length mismatch is checked separately since
	// subtle.ConstantTimeCompare itself returns 0 (not a panic) for
	// differing lengths, but doing the length check first keeps the alert
	// path identical to the equal-length case instead of depending on
	// ConstantTimeCompare's length handling.
	if len(fin.VerifyData) != len(serverFinishedData) || subtle.ConstantTimeCompare(fin.VerifyData, serverFinishedData) != 1 {
		logf(logTypeHandshake, "[ClientStateWaitFinished] server Finished failed to verify")
		return nil, nil, AlertHandshakeFailure
	}

	state.handshakeHash.Write(hm.Marshal())
	h4 := state.handshakeHash.Sum(nil)

	clientTrafficSecret := deriveSecret(state.cryptoParams, state.masterSecret, labelClientApplicationTrafficSecret, h4)
	serverTrafficSecret := deriveSecret(state.cryptoParams, state.masterSecret, labelServerApplicationTrafficSecret, h4)

	clientTrafficKeys := makeTrafficKeys(state.cryptoParams, clientTrafficSecret)
	serverTrafficKeys := makeTrafficKeys(state.cryptoParams, serverTrafficSecret)

	var toSend []HandshakeAction

	if state.Params.UsingEarlyData {
		eoedm, err := HandshakeMessageFromBody(&EndOfEarlyDataBody{})
		if err != nil {
			return nil, nil, AlertInternalError
		}
		toSend = append(toSend, SendHandshakeMessage{eoedm})
		state.handshakeHash.Write(eoedm.Marshal())
	}

	if state.middleboxCompat {
		// [CCS_AFTER_SERVER_FINISHED]: sent whether or not 0-RTT was used,
		// ahead of the client's Certificate/Finished flight.
		toSend = append(toSend, SendCCS{})
	}

	clientHandshakeKeys := makeTrafficKeys(state.cryptoParams, state.clientHandshakeTrafficSecret)
	toSend = append(toSend, RekeyOut{Label: "handshake", Suite: state.Params.CipherSuite, KeySet: clientHandshakeKeys})

	if state.Params.UsingClientAuth {
		schemes := SignatureAlgorithmsExtension{}
		if !state.serverCertificateRequest.Extensions.Find(&schemes) {
			logf(logTypeHandshake, "[ClientStateWaitFinished] certificate_request missing signature_algorithms")
			return nil, nil, AlertIllegalParameter
		}

		cert, certScheme, selErr := CertificateSelection(nil, schemes.Algorithms, state.certificates)
		if selErr != nil {
			logf(logTypeHandshake, "[ClientStateWaitFinished] no matching client certificate: %v", selErr)

			certm, err := HandshakeMessageFromBody(&CertificateBody{})
			if err != nil {
				return nil, nil, AlertInternalError
			}
			toSend = append(toSend, SendHandshakeMessage{certm})
			state.handshakeHash.Write(certm.Marshal())
		} else {
			certificate := &CertificateBody{
				CertificateList: make([]CertificateEntry, len(cert.Chain)),
			}
			for i, entry := range cert.Chain {
				certificate.CertificateList[i] = CertificateEntry{CertData: entry}
			}
			certm, err := HandshakeMessageFromBody(certificate)
			if err != nil {
				return nil, nil, AlertInternalError
			}
			toSend = append(toSend, SendHandshakeMessage{certm})
			state.handshakeHash.Write(certm.Marshal())

			hcv := state.handshakeHash.Sum(nil)
			certificateVerify := &CertificateVerifyBody{Algorithm: certScheme}
			if err := certificateVerify.Sign(cert.PrivateKey, hcv); err != nil {
				logf(logTypeHandshake, "[ClientStateWaitFinished] error signing CertificateVerify: %v", err)
				return nil, nil, AlertInternalError
			}
			certvm, err := HandshakeMessageFromBody(certificateVerify)
			if err != nil {
				return nil, nil, AlertInternalError
			}
			toSend = append(toSend, SendHandshakeMessage{certvm})
			state.handshakeHash.Write(certvm.Marshal())
		}
	}

	h5 := state.handshakeHash.Sum(nil)
	clientFinishedData := computeFinishedData(state.cryptoParams, state.clientHandshakeTrafficSecret, h5)

	fin = &FinishedBody{VerifyDataLen: len(clientFinishedData), VerifyData: clientFinishedData}
	finm, err := HandshakeMessageFromBody(fin)
	if err != nil {
		return nil, nil, AlertInternalError
	}

	state.handshakeHash.Write(finm.Marshal())
	h6 := state.handshakeHash.Sum(nil)
	resumptionSecret := deriveSecret(state.cryptoParams, state.masterSecret, labelResumptionSecret, h6)

	toSend = append(toSend,
		SendHandshakeMessage{finm},
		RekeyIn{Label: "application", Suite: state.Params.CipherSuite, KeySet: serverTrafficKeys},
		RekeyOut{Label: "application", Suite: state.Params.CipherSuite, KeySet: clientTrafficKeys},
	)

	logf(logTypeHandshake, "[ClientStateWaitFinished] -> [StateConnected]")
	nextState := StateConnected{
		Params:              state.Params,
		cryptoParams:        state.cryptoParams,
		resumptionSecret:    resumptionSecret,
		clientTrafficSecret: clientTrafficSecret,
		serverTrafficSecret: serverTrafficSecret,
	}
	return nextState, toSend, AlertNoAlert
}
