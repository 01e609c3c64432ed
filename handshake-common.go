package tls13

// HandshakeState is one node of the client state machine (spec §4.1). Next
// consumes the next handshake message (nil only for the synthetic first
// transition out of ClientStateStart) and returns the state to move to, the
// actions the driver/Conn must perform as a side effect, and an Alert
// (AlertNoAlert on success).
type HandshakeState interface {
	Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert)
}

// HandshakeAction is the side-effect vocabulary a state transition can
// request: I/O and record-layer rekeying are not done by Next itself but
// handed back as actions for the caller to carry out.
type HandshakeAction interface{}

type SendHandshakeMessage struct {
	Message *HandshakeMessage
}

type RekeyIn struct {
	Label  string
	Suite  CipherSuite
	KeySet keySet
}

type RekeyOut struct {
	Label  string
	Suite  CipherSuite
	KeySet keySet
}

// SendCCS requests emission of the legacy middlebox-compatibility
// change_cipher_spec record (spec §4.1's [CCS_*] pseudo-states). It carries
// no data: every CCS record is the same fixed byte, untranscribed and
// unencrypted, so there is nothing for the state machine to parameterize.
type SendCCS struct{}

type SendEarlyData struct{}

// ReadPastEarlyData skips records that fail to decrypt under the handshake
// read keys because the server rejected 0-RTT and is still sending under
// (discarded) early traffic keys.
type ReadPastEarlyData struct{}

type ReadEarlyData struct{}

type StorePSK struct {
	PSK PreSharedKey
}

// Capabilities is what this client is willing to offer/accept, the
// constant input to a handshake attempt (spec §3's Capabilities
// collaborator).
type Capabilities struct {
	CipherSuites      []CipherSuite
	Groups            []NamedGroup
	SignatureSchemes  []SignatureScheme
	PSKs              PreSharedKeyCache
	PSKModes          []PSKKeyExchangeMode
	AllowEarlyData    bool
	NextProtos        []string
	Certificates      []*Certificate
	MaxFragmentLength uint8
	AuthCertificate   func(chain []CertificateEntry) error

	// MiddleboxCompat makes the client emit the three legacy
	// change_cipher_spec records middlebox-compatibility mode calls for
	// (spec §4.1's [CCS_*] pseudo-states, RFC 8446 App. D.4). They are pure
	// padding: skipped entirely when this is false.
	MiddleboxCompat bool
}

// ConnectionOptions is the per-connection input the caller supplies on top
// of Capabilities: who to connect to and what to say early.
type ConnectionOptions struct {
	ServerName string
	NextProtos []string
	EarlyData  []byte
}

// ConnectionParameters accumulates what has actually been negotiated as the
// handshake progresses; it is threaded through every state and ends up on
// StateConnected for the application to inspect.
type ConnectionParameters struct {
	UsingPSK               bool
	UsingDH                bool
	UsingClientAuth         bool
	ClientSendingEarlyData bool
	UsingEarlyData         bool
	EarlyDataStatus        EarlyDataStatus
	CipherSuite            CipherSuite
	ServerName             string
	NextProto              string
}

// struct {} EndOfEarlyData;
type EndOfEarlyDataBody struct{}

func (eoed EndOfEarlyDataBody) Type() HandshakeType { return HandshakeTypeEndOfEarlyData }
func (eoed EndOfEarlyDataBody) Marshal() ([]byte, error) {
	return []byte{}, nil
}
func (eoed *EndOfEarlyDataBody) Unmarshal(data []byte) (int, error) {
	return 0, nil
}

// HandshakeLayer frames the raw byte stream from a RecordLayer into
// discrete HandshakeMessages, coalescing handshake records that arrive
// split across multiple TLS records (or bundling several small messages
// that arrive in a single record) the way RFC 8446 §5.1 requires.
type HandshakeLayer struct {
	rl *RecordLayer
	r  *FrameReader
}

type handshakeFraming struct{}

func (handshakeFraming) headerLen() int        { return handshakeHeaderLen }
func (handshakeFraming) defaultReadLen() int    { return handshakeHeaderLen }
func (handshakeFraming) frameLen(hdr []byte) (int, error) {
	if len(hdr) != handshakeHeaderLen {
		return 0, decodeError("handshake-layer: malformed header")
	}
	return (int(hdr[1]) << 16) + (int(hdr[2]) << 8) + int(hdr[3]), nil
}

func NewHandshakeLayer(rl *RecordLayer) *HandshakeLayer {
	return &HandshakeLayer{rl: rl, r: NewFrameReader(handshakeFraming{})}
}

func (h *HandshakeLayer) ReadMessage() (*HandshakeMessage, error) {
	for {
		hdr, body, err := h.r.Process()
		if err == nil {
			return &HandshakeMessage{msgType: HandshakeType(hdr[0]), body: body}, nil
		}
		if err != WouldBlock {
			return nil, err
		}

		pt, err := h.rl.ReadRecord()
		if err != nil {
			return nil, err
		}
		if pt.contentType != RecordTypeHandshake {
			return nil, unexpectedMessage("handshake-layer: non-handshake record while reading handshake")
		}
		h.r.AddChunk(pt.fragment)
	}
}

func (h *HandshakeLayer) WriteMessage(hm *HandshakeMessage) error {
	return h.rl.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeHandshake,
		fragment:    hm.Marshal(),
	})
}
