package tls13

import (
	"fmt"

	"github.com/bifurcation/mint/syntax"
)

// ExtensionBody is implemented by every extension payload type. Type()
// identifies which wire extension_type a given body marshals to/from, the
// way handshake-messages.go's HandshakeMessageBody already does for whole
// messages.
type ExtensionBody interface {
	Type() ExtensionType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

// Extension is the generic, still-encoded wire form: an extension_type plus
// an opaque, length-prefixed blob. ExtensionList un/marshals a sequence of
// these; individual extension bodies are recovered from them on demand via
// Find, mirroring the teacher's client-state-machine.go call sites
// (`ch.Extensions.Find(&serverCookie)`).
type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList []Extension

func (el ExtensionList) Marshal() ([]byte, error) {
	return syntax.Marshal(el)
}

func (el *ExtensionList) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, el)
}

// Add marshals body and appends it to the list, replacing any existing
// extension of the same type so that "replace the PSK extension after
// computing the binder" (spec §4.2) can just call Add again.
func (el *ExtensionList) Add(body ExtensionBody) error {
	data, err := body.Marshal()
	if err != nil {
		return fmt.Errorf("tls13.extension: error marshaling body: %v", err)
	}

	for i := range *el {
		if (*el)[i].ExtensionType == body.Type() {
			(*el)[i].ExtensionData = data
			return nil
		}
	}

	*el = append(*el, Extension{ExtensionType: body.Type(), ExtensionData: data})
	return nil
}

// Find locates the first extension matching body's type and unmarshals it
// into body in place. It returns false (with body left untouched) when no
// such extension is present.
func (el ExtensionList) Find(body ExtensionBody) bool {
	for _, ext := range el {
		if ext.ExtensionType != body.Type() {
			continue
		}
		_, err := body.Unmarshal(ext.ExtensionData)
		return err == nil
	}
	return false
}

// Has reports whether an extension of the given type is present, without
// decoding it.
func (el ExtensionList) Has(t ExtensionType) bool {
	for _, ext := range el {
		if ext.ExtensionType == t {
			return true
		}
	}
	return false
}

// RejectUnknown scans the raw extension list for any type not present in
// allowed and returns it. Find only reports presence/absence of the
// recognized types it's asked to look for, so a server that sends an
// extension this client never asked about would otherwise pass through
// unnoticed; callers for messages where that's fatal (ServerHello, spec
// §4.3; EncryptedExtensions, spec §4.5) use this instead.
func (el ExtensionList) RejectUnknown(allowed map[ExtensionType]bool) (ExtensionType, bool) {
	for _, ext := range el {
		if !allowed[ext.ExtensionType] {
			return ext.ExtensionType, true
		}
	}
	return 0, false
}

// --- supported_versions -----------------------------------------------

type SupportedVersionsExtension struct {
	Versions []uint16 `tls:"head=1,min=2"`
}

func (sv SupportedVersionsExtension) Type() ExtensionType { return ExtensionTypeSupportedVersions }
func (sv SupportedVersionsExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(sv)
}
func (sv *SupportedVersionsExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, sv)
}

// --- server_name ---------------------------------------------------------

// ServerNameExtension carries a single DNS hostname. EncryptedExtensions'
// server_name echo (spec §4.5) must be empty; ClientHello's must be the
// configured name.
type ServerNameExtension string

type serverNameInner struct {
	NameType uint8
	HostName []byte `tls:"head=2,min=1"`
}

type serverNameListInner struct {
	Names []serverNameInner `tls:"head=2,min=1"`
}

func (sni ServerNameExtension) Type() ExtensionType { return ExtensionTypeServerName }

func (sni ServerNameExtension) Marshal() ([]byte, error) {
	list := serverNameListInner{Names: []serverNameInner{{NameType: 0, HostName: []byte(sni)}}}
	return syntax.Marshal(list)
}

func (sni *ServerNameExtension) Unmarshal(data []byte) (int, error) {
	if len(data) == 0 {
		*sni = ""
		return 0, nil
	}
	var list serverNameListInner
	read, err := syntax.Unmarshal(data, &list)
	if err != nil {
		return 0, err
	}
	if len(list.Names) != 1 {
		return 0, decodeError("server_name: expected exactly one name")
	}
	*sni = ServerNameExtension(list.Names[0].HostName)
	return read, nil
}

// --- supported_groups ------------------------------------------------

type SupportedGroupsExtension struct {
	Groups []NamedGroup `tls:"head=2,min=2"`
}

func (sg SupportedGroupsExtension) Type() ExtensionType { return ExtensionTypeSupportedGroups }
func (sg SupportedGroupsExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(sg)
}
func (sg *SupportedGroupsExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, sg)
}

// --- signature_algorithms ----------------------------------------------

type SignatureAlgorithmsExtension struct {
	Algorithms []SignatureScheme `tls:"head=2,min=2"`
}

func (sa SignatureAlgorithmsExtension) Type() ExtensionType {
	return ExtensionTypeSignatureAlgorithms
}
func (sa SignatureAlgorithmsExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(sa)
}
func (sa *SignatureAlgorithmsExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, sa)
}

// --- application_layer_protocol_negotiation -----------------------------

type protocolName struct {
	Name []byte `tls:"head=1,min=1"`
}

type alpnInner struct {
	Protocols []protocolName `tls:"head=2,min=2"`
}

type ALPNExtension struct {
	Protocols []string
}

func (alpn ALPNExtension) Type() ExtensionType { return ExtensionTypeALPN }

func (alpn ALPNExtension) Marshal() ([]byte, error) {
	inner := alpnInner{Protocols: make([]protocolName, len(alpn.Protocols))}
	for i, p := range alpn.Protocols {
		inner.Protocols[i] = protocolName{Name: []byte(p)}
	}
	return syntax.Marshal(inner)
}

func (alpn *ALPNExtension) Unmarshal(data []byte) (int, error) {
	var inner alpnInner
	read, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	alpn.Protocols = make([]string, len(inner.Protocols))
	for i, p := range inner.Protocols {
		alpn.Protocols[i] = string(p.Name)
	}
	return read, nil
}

// --- cookie --------------------------------------------------------------

type CookieExtension struct {
	Cookie []byte `tls:"head=2,min=1"`
}

func (c CookieExtension) Type() ExtensionType { return ExtensionTypeCookie }
func (c CookieExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(c)
}
func (c *CookieExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, c)
}

// --- key_share -------------------------------------------------------

type KeyShareEntry struct {
	Group       NamedGroup
	KeyExchange []byte `tls:"head=2,min=1"`
}

// KeyShareExtension has three distinct wire shapes depending on which
// message it appears in (spec §4.3): a list of entries in ClientHello, a
// single entry in ServerHello, and a bare group id in HelloRetryRequest.
// HandshakeType selects which shape Marshal/Unmarshal use, the same
// "HandshakeType field picks the wire shape" trick the teacher's
// PreSharedKeyExtension already uses for its own two shapes.
type KeyShareExtension struct {
	HandshakeType HandshakeType
	Shares        []KeyShareEntry
	SelectedGroup NamedGroup // only meaningful when HandshakeType == HelloRetryRequest
}

func (ks KeyShareExtension) Type() ExtensionType { return ExtensionTypeKeyShare }

func (ks KeyShareExtension) Marshal() ([]byte, error) {
	switch ks.HandshakeType {
	case HandshakeTypeClientHello:
		inner := struct {
			Shares []KeyShareEntry `tls:"head=2,min=0"`
		}{Shares: ks.Shares}
		return syntax.Marshal(inner)
	case HandshakeTypeServerHello:
		if len(ks.Shares) != 1 {
			return nil, internalError("key_share: ServerHello must carry exactly one entry")
		}
		return syntax.Marshal(ks.Shares[0])
	case HandshakeTypeHelloRetryRequest:
		return syntax.Marshal(ks.SelectedGroup)
	default:
		return nil, internalError("key_share: unknown handshake type %v", ks.HandshakeType)
	}
}

func (ks *KeyShareExtension) Unmarshal(data []byte) (int, error) {
	switch ks.HandshakeType {
	case HandshakeTypeClientHello:
		var inner struct {
			Shares []KeyShareEntry `tls:"head=2,min=0"`
		}
		read, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		ks.Shares = inner.Shares
		return read, nil
	case HandshakeTypeServerHello:
		var entry KeyShareEntry
		read, err := syntax.Unmarshal(data, &entry)
		if err != nil {
			return 0, err
		}
		ks.Shares = []KeyShareEntry{entry}
		return read, nil
	case HandshakeTypeHelloRetryRequest:
		read, err := syntax.Unmarshal(data, &ks.SelectedGroup)
		if err != nil {
			return 0, err
		}
		return read, nil
	default:
		return 0, internalError("key_share: unknown handshake type %v", ks.HandshakeType)
	}
}

// --- psk_key_exchange_modes ----------------------------------------------

type PSKKeyExchangeModesExtension struct {
	KEModes []PSKKeyExchangeMode `tls:"head=1,min=1"`
}

func (kem PSKKeyExchangeModesExtension) Type() ExtensionType {
	return ExtensionTypePSKKeyExchangeModes
}
func (kem PSKKeyExchangeModesExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(kem)
}
func (kem *PSKKeyExchangeModesExtension) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, kem)
}

// --- early_data ------------------------------------------------------

// EarlyDataExtension is empty in ClientHello and EncryptedExtensions; only
// NewSessionTicket's copy carries max_early_data_size (spec §4.9), modeled
// as a distinct field that's ignored for the other two handshake types.
type EarlyDataExtension struct {
	MaxEarlyDataSize uint32
	ForNewSessionTicket bool
}

func (ed EarlyDataExtension) Type() ExtensionType { return ExtensionTypeEarlyData }

func (ed EarlyDataExtension) Marshal() ([]byte, error) {
	if !ed.ForNewSessionTicket {
		return []byte{}, nil
	}
	return syntax.Marshal(ed.MaxEarlyDataSize)
}

func (ed *EarlyDataExtension) Unmarshal(data []byte) (int, error) {
	if len(data) == 0 {
		ed.MaxEarlyDataSize = 0
		return 0, nil
	}
	var size uint32
	read, err := syntax.Unmarshal(data, &size)
	if err != nil {
		return 0, err
	}
	ed.MaxEarlyDataSize = size
	ed.ForNewSessionTicket = true
	return read, nil
}

// --- max_fragment_length ---------------------------------------------

type MaxFragmentLengthExtension struct {
	Code uint8
}

func (m MaxFragmentLengthExtension) Type() ExtensionType { return ExtensionTypeMaxFragmentLength }
func (m MaxFragmentLengthExtension) Marshal() ([]byte, error) {
	return []byte{m.Code}, nil
}
func (m *MaxFragmentLengthExtension) Unmarshal(data []byte) (int, error) {
	if len(data) != 1 {
		return 0, decodeError("max_fragment_length: expected 1 byte, got %d", len(data))
	}
	m.Code = data[0]
	return 1, nil
}

// --- pre_shared_key -------------------------------------------------

type PSKIdentity struct {
	Identity            []byte `tls:"head=2,min=1"`
	ObfuscatedTicketAge uint32
}

type PSKBinderEntry struct {
	Binder []byte `tls:"head=1,min=32"`
}

// PreSharedKeyExtension has two shapes: the ClientHello offer (identities +
// binders) and the ServerHello selection (a single uint16 index), picked by
// HandshakeType exactly as the teacher's client-state-machine.go already
// expects (`PreSharedKeyExtension{HandshakeType: HandshakeTypeServerHello}`).
type PreSharedKeyExtension struct {
	HandshakeType     HandshakeType
	Identities        []PSKIdentity
	Binders           []PSKBinderEntry
	SelectedIdentity  uint16
}

func (psk PreSharedKeyExtension) Type() ExtensionType { return ExtensionTypePreSharedKey }

func (psk PreSharedKeyExtension) Marshal() ([]byte, error) {
	switch psk.HandshakeType {
	case HandshakeTypeClientHello:
		inner := struct {
			Identities []PSKIdentity    `tls:"head=2,min=7"`
			Binders    []PSKBinderEntry `tls:"head=2,min=33"`
		}{Identities: psk.Identities, Binders: psk.Binders}
		return syntax.Marshal(inner)
	case HandshakeTypeServerHello:
		return syntax.Marshal(psk.SelectedIdentity)
	default:
		return nil, internalError("pre_shared_key: unknown handshake type %v", psk.HandshakeType)
	}
}

func (psk *PreSharedKeyExtension) Unmarshal(data []byte) (int, error) {
	switch psk.HandshakeType {
	case HandshakeTypeClientHello:
		var inner struct {
			Identities []PSKIdentity    `tls:"head=2,min=7"`
			Binders    []PSKBinderEntry `tls:"head=2,min=33"`
		}
		read, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		psk.Identities = inner.Identities
		psk.Binders = inner.Binders
		return read, nil
	case HandshakeTypeServerHello:
		read, err := syntax.Unmarshal(data, &psk.SelectedIdentity)
		if err != nil {
			return 0, err
		}
		return read, nil
	default:
		return 0, internalError("pre_shared_key: unknown handshake type %v", psk.HandshakeType)
	}
}

// binderLen computes the marshaled length of just the binders list, which
// ClientHelloBody.Truncated (handshake-messages.go) needs to know how many
// trailing bytes to chop off the fully-marshaled ClientHello.
func binderLen(binders []PSKBinderEntry) (int, error) {
	data, err := syntax.Marshal(struct {
		Binders []PSKBinderEntry `tls:"head=2,min=33"`
	}{Binders: binders})
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
