package tls13

import (
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"
)

// PreSharedKey is an external or resumption PSK the client can offer in a
// ClientHello's pre_shared_key extension (RFC 8446 §4.2.11).
type PreSharedKey struct {
	CipherSuite      CipherSuite
	IsResumption     bool
	Identity         []byte
	Key              []byte
	NextProto        string
	ReceivedAt       time.Time
	ExpiresAt        time.Time
	TicketAgeAdd     uint32
	MaxEarlyDataSize uint32
}

type PreSharedKeyCache interface {
	Get(string) (PreSharedKey, bool)
	Put(string, PreSharedKey)
	Size() int
}

type PSKMapCache map[string]PreSharedKey

func (cache PSKMapCache) Get(key string) (psk PreSharedKey, ok bool) {
	psk, ok = cache[key]
	return
}

func (cache *PSKMapCache) Put(key string, psk PreSharedKey) {
	(*cache)[key] = psk
}

func (cache PSKMapCache) Size() int {
	return len(cache)
}

// Config carries the settings for a client connection: who to talk to, what
// to offer, and the PSK store to consult for resumption/0-RTT.
type Config struct {
	ServerName string

	Certificates     []*Certificate
	AuthCertificate  func(chain []CertificateEntry) error
	CipherSuites     []CipherSuite
	Groups           []NamedGroup
	SignatureSchemes []SignatureScheme
	NextProtos       []string
	PSKs             PreSharedKeyCache
	PSKModes         []PSKKeyExchangeMode
	AllowEarlyData   bool
	MaxFragmentLength uint8
	MiddleboxCompat  bool

	// The same config can be shared across connections, so it needs its
	// own mutex.
	mutex sync.RWMutex
}

func (c *Config) Init() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.CipherSuites) == 0 {
		c.CipherSuites = defaultSupportedCipherSuites
	}
	if len(c.Groups) == 0 {
		c.Groups = defaultSupportedGroups
	}
	if len(c.SignatureSchemes) == 0 {
		c.SignatureSchemes = defaultSignatureSchemes
	}
	if !reflect.ValueOf(c.PSKs).IsValid() {
		c.PSKs = &PSKMapCache{}
	}
	if len(c.PSKModes) == 0 {
		c.PSKModes = defaultPSKModes
	}

	return nil
}

func (c Config) ValidForClient() bool {
	return len(c.ServerName) > 0
}

var (
	defaultSupportedCipherSuites = []CipherSuite{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
	}

	defaultSupportedGroups = []NamedGroup{
		X25519,
		P256,
		P384,
		X25519Kyber768Draft00,
	}

	defaultSignatureSchemes = []SignatureScheme{
		RSA_PSS_SHA256,
		RSA_PSS_SHA384,
		RSA_PSS_SHA512,
		ECDSA_P256_SHA256,
		ECDSA_P384_SHA384,
		ECDSA_P521_SHA512,
	}

	defaultPSKModes = []PSKKeyExchangeMode{
		PSKModeKE,
		PSKModeDHEKE,
	}
)

// ConnectionState summarizes what a completed (or in-progress) handshake
// negotiated, for the application to inspect after Handshake returns.
type ConnectionState struct {
	HandshakeComplete bool
	CipherSuite       CipherSuite
	ServerName        string
	NextProto         string
	UsingPSK          bool
	UsingEarlyData    bool
	EarlyDataStatus   EarlyDataStatus
}

// Conn implements net.Conn over a TLS 1.3 client handshake: Read, Write and
// Close are handled locally; everything else is forwarded to the
// underlying connection.
type Conn struct {
	config *Config
	conn   net.Conn

	EarlyData []byte

	driver            *Driver
	handshakeMutex    sync.Mutex
	handshakeAlert    Alert
	handshakeComplete bool

	readBuffer []byte
	in, out    *RecordLayer
	hIn, hOut  *HandshakeLayer
}

func NewConn(conn net.Conn, config *Config) *Conn {
	c := &Conn{conn: conn, config: config}
	c.in = NewRecordLayer(c.conn)
	c.out = NewRecordLayer(c.conn)
	c.hIn = NewHandshakeLayer(c.in)
	c.hOut = NewHandshakeLayer(c.out)
	return c
}

// Dial opens a network connection to addr and runs the client handshake
// over it, the way crypto/tls.Dial does for TLS 1.2/1.3 on the server
// side of the standard library.
func Dial(network, addr string, config *Config) (*Conn, error) {
	nc, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}

	if config == nil {
		config = &Config{}
	}
	if config.ServerName == "" {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		config.ServerName = host
	}

	c := NewConn(nc, config)
	if alert := c.Handshake(); alert != AlertNoAlert {
		nc.Close()
		return nil, fmt.Errorf("tls13: handshake failed: %v", alert)
	}
	return c, nil
}

func (c *Conn) extendBuffer(n int) error {
	if len(c.in.nextData) == 0 && len(c.readBuffer) > 0 {
		return nil
	}

	for len(c.readBuffer) <= n {
		pt, err := c.in.ReadRecord()
		if pt == nil {
			return err
		}

		switch pt.contentType {
		case RecordTypeHandshake:
			// Post-handshake handshake messages (NewSessionTicket, KeyUpdate)
			// are not supported fragmented across records.
			start := 0
			for start < len(pt.fragment) {
				if len(pt.fragment[start:]) < handshakeHeaderLen {
					return fmt.Errorf("tls13: post-handshake message too short for header")
				}

				hm := &HandshakeMessage{}
				hm.msgType = HandshakeType(pt.fragment[start])
				hmLen := (int(pt.fragment[start+1]) << 16) + (int(pt.fragment[start+2]) << 8) + int(pt.fragment[start+3])

				if len(pt.fragment[start+handshakeHeaderLen:]) < hmLen {
					return fmt.Errorf("tls13: post-handshake message too short for body")
				}
				hm.body = pt.fragment[start+handshakeHeaderLen : start+handshakeHeaderLen+hmLen]

				state, connected := c.driver.State()
				if !connected {
					return fmt.Errorf("tls13: post-handshake message before handshake completed")
				}
				nextState, actions, alert := state.Next(hm)
				if alert != AlertNoAlert {
					logf(logTypeHandshake, "error in post-handshake state transition: %v", alert)
					c.sendAlert(alert)
					return io.EOF
				}

				for _, action := range actions {
					if alert = c.takeAction(action); alert != AlertNoAlert {
						logf(logTypeHandshake, "error during post-handshake actions: %v", alert)
						c.sendAlert(alert)
						return io.EOF
					}
				}

				sc, ok := nextState.(StateConnected)
				if !ok {
					logf(logTypeHandshake, "disconnected after post-handshake transition: %v", alert)
					c.sendAlert(alert)
					return io.EOF
				}
				c.driver.setState(sc)

				start += handshakeHeaderLen + hmLen
			}
		case RecordTypeAlert:
			if len(pt.fragment) != 2 {
				c.sendAlert(AlertUnexpectedMessage)
				return io.EOF
			}
			if Alert(pt.fragment[1]) == AlertCloseNotify {
				return io.EOF
			}

			switch pt.fragment[0] {
			case AlertLevelWarning:
				// drop on the floor
			case AlertLevelError:
				return Alert(pt.fragment[1])
			default:
				c.sendAlert(AlertUnexpectedMessage)
				return io.EOF
			}

		case RecordTypeApplicationData:
			c.readBuffer = append(c.readBuffer, pt.fragment...)
			logf(logTypeIO, "extended buffer: [%d] %x", len(c.readBuffer), c.readBuffer)
		}

		if err != nil {
			return err
		}

		if len(c.in.nextData) == 0 {
			return nil
		}

		if len(c.readBuffer) == n && RecordType(c.in.nextData[0]) != RecordTypeAlert {
			return nil
		}
	}
	return nil
}

// Read returns application data, blocking to complete the handshake first
// if it hasn't happened yet.
func (c *Conn) Read(buffer []byte) (int, error) {
	if alert := c.Handshake(); alert != AlertNoAlert {
		return 0, alert
	}

	c.in.Lock()
	defer c.in.Unlock()

	n := len(buffer)
	err := c.extendBuffer(n)
	var read int
	if len(c.readBuffer) < n {
		buffer = buffer[:len(c.readBuffer)]
		copy(buffer, c.readBuffer)
		read = len(c.readBuffer)
		c.readBuffer = c.readBuffer[:0]
	} else {
		copy(buffer[:n], c.readBuffer[:n])
		c.readBuffer = c.readBuffer[n:]
		read = n
	}

	return read, err
}

// Write sends application data, splitting it into max-size fragments.
func (c *Conn) Write(buffer []byte) (int, error) {
	c.out.Lock()
	defer c.out.Unlock()

	var start int
	sent := 0
	for start = 0; len(buffer)-start >= maxFragmentLen; start += maxFragmentLen {
		if err := c.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeApplicationData,
			fragment:    buffer[start : start+maxFragmentLen],
		}); err != nil {
			return sent, err
		}
		sent += maxFragmentLen
	}

	if start < len(buffer) {
		if err := c.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeApplicationData,
			fragment:    buffer[start:],
		}); err != nil {
			return sent, err
		}
		sent += len(buffer[start:])
	}
	return sent, nil
}

func (c *Conn) sendAlert(err Alert) error {
	c.handshakeMutex.Lock()
	defer c.handshakeMutex.Unlock()

	level := AlertLevelError
	if err == AlertNoRenegotiation || err == AlertCloseNotify {
		level = AlertLevelWarning
	}

	buf := []byte{byte(level), byte(err)}
	c.out.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    buf,
	})

	if level == AlertLevelWarning {
		return &net.OpError{Op: "local error", Err: err}
	}
	return c.Close()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

func (c *Conn) takeAction(actionGeneric HandshakeAction) Alert {
	switch action := actionGeneric.(type) {
	case SendHandshakeMessage:
		if err := c.hOut.WriteMessage(action.Message); err != nil {
			logf(logTypeHandshake, "[client] error writing handshake message: %v", err)
			return AlertInternalError
		}

	case RekeyIn:
		logf(logTypeHandshake, "[client] rekeying in to %s", action.Label)
		factory := cipherSuiteMap[action.Suite].aead
		if err := c.in.RekeyIn(factory, action.KeySet.Key, action.KeySet.IV); err != nil {
			logf(logTypeHandshake, "[client] unable to rekey inbound: %v", err)
			return AlertInternalError
		}

	case RekeyOut:
		logf(logTypeHandshake, "[client] rekeying out to %s", action.Label)
		factory := cipherSuiteMap[action.Suite].aead
		if err := c.out.RekeyOut(factory, action.KeySet.Key, action.KeySet.IV); err != nil {
			logf(logTypeHandshake, "[client] unable to rekey outbound: %v", err)
			return AlertInternalError
		}

	case SendCCS:
		logf(logTypeHandshake, "[client] sending change_cipher_spec")
		if err := c.out.WriteChangeCipherSpec(); err != nil {
			logf(logTypeHandshake, "[client] error writing change_cipher_spec: %v", err)
			return AlertInternalError
		}

	case SendEarlyData:
		logf(logTypeHandshake, "[client] sending early data")
		if _, err := c.Write(c.EarlyData); err != nil {
			logf(logTypeHandshake, "[client] error writing early data: %v", err)
			return AlertInternalError
		}

	case ReadPastEarlyData:
		logf(logTypeHandshake, "[client] skipping records left under rejected early-data keys")
		_, err := c.in.PeekRecordType()
		for err != nil {
			if herr, ok := err.(*HandshakeError); !ok || herr.Kind != ErrorKindDecryptError {
				break
			}
			_, err = c.in.PeekRecordType()
		}

	case ReadEarlyData:
		logf(logTypeHandshake, "[client] reading early data")
		t, err := c.in.PeekRecordType()
		if err != nil {
			logf(logTypeHandshake, "[client] error reading record type: %v", err)
			return AlertInternalError
		}

		for t == RecordTypeApplicationData {
			pt, err := c.in.ReadRecord()
			if err != nil {
				logf(logTypeHandshake, "[client] error reading early data record: %v", err)
				return AlertInternalError
			}
			c.EarlyData = append(c.EarlyData, pt.fragment...)

			t, err = c.in.PeekRecordType()
			if err != nil {
				logf(logTypeHandshake, "[client] error reading record type: %v", err)
				return AlertInternalError
			}
		}

	case StorePSK:
		logf(logTypeHandshake, "[client] storing new session ticket with identity [%x]", action.PSK.Identity)
		c.config.PSKs.Put(c.config.ServerName, action.PSK)

	default:
		logf(logTypeHandshake, "[client] unknown action type")
		return AlertInternalError
	}

	return AlertNoAlert
}

// Handshake drives the client handshake to completion, blocking until it
// either succeeds or fails. Internally it runs the same Driver.Step loop
// that a non-blocking caller could drive one message at a time.
func (c *Conn) Handshake() Alert {
	if c.handshakeAlert != AlertNoAlert && c.handshakeAlert != AlertCloseNotify {
		return c.handshakeAlert
	}
	if c.handshakeComplete {
		return AlertNoAlert
	}

	if err := c.config.Init(); err != nil {
		logf(logTypeHandshake, "error initializing config: %v", err)
		return AlertInternalError
	}

	caps := Capabilities{
		CipherSuites:      c.config.CipherSuites,
		Groups:            c.config.Groups,
		SignatureSchemes:  c.config.SignatureSchemes,
		PSKs:              c.config.PSKs,
		PSKModes:          c.config.PSKModes,
		AllowEarlyData:    c.config.AllowEarlyData,
		NextProtos:        c.config.NextProtos,
		Certificates:      c.config.Certificates,
		MaxFragmentLength: c.config.MaxFragmentLength,
		AuthCertificate:   c.config.AuthCertificate,
		MiddleboxCompat:   c.config.MiddleboxCompat,
	}
	opts := ConnectionOptions{
		ServerName: c.config.ServerName,
		NextProtos: c.config.NextProtos,
		EarlyData:  c.EarlyData,
	}

	c.driver = NewDriver(c.hIn, c.takeAction)

	result, alert := c.driver.Start(caps, opts)
	if result == StepError {
		c.handshakeAlert = alert
		return alert
	}

	for result != StepDone {
		result, alert = c.driver.Step()
		if result == StepError {
			logf(logTypeHandshake, "error during handshake: %v", alert)
			c.sendAlert(alert)
			c.handshakeAlert = alert
			return alert
		}
	}

	c.handshakeComplete = true
	return AlertNoAlert
}

// ConnectionState reports what the (possibly still in-progress) driver has
// negotiated so far.
func (c *Conn) ConnectionState() ConnectionState {
	cs := ConnectionState{HandshakeComplete: c.handshakeComplete}
	if c.driver == nil {
		return cs
	}
	if sc, ok := c.driver.State(); ok {
		cs.CipherSuite = sc.Params.CipherSuite
		cs.ServerName = sc.Params.ServerName
		cs.NextProto = sc.Params.NextProto
		cs.UsingPSK = sc.Params.UsingPSK
		cs.UsingEarlyData = sc.Params.UsingEarlyData
		cs.EarlyDataStatus = sc.Params.EarlyDataStatus
	}
	return cs
}

// SendKeyUpdate advances the client's sending application traffic keys and
// announces it to the peer with a KeyUpdate message (RFC 8446 §4.6.3),
// optionally also requesting the peer update its own sending keys in turn.
func (c *Conn) SendKeyUpdate(requestUpdate bool) error {
	if !c.handshakeComplete {
		return fmt.Errorf("tls13: cannot update keys until after handshake")
	}

	request := KeyUpdateNotRequested
	if requestUpdate {
		request = KeyUpdateRequested
	}

	sc, _ := c.driver.State()
	nextClientSecret := hkdfExpandLabel(sc.cryptoParams.hash, sc.clientTrafficSecret, labelTrafficUpdate, nil, sc.cryptoParams.hash.Size())
	kum, err := HandshakeMessageFromBody(&KeyUpdateBody{KeyUpdateRequest: request})
	if err != nil {
		c.sendAlert(AlertInternalError)
		return fmt.Errorf("tls13: error while generating key update: %v", err)
	}
	actions := []HandshakeAction{
		SendHandshakeMessage{kum},
		RekeyOut{Label: "application", Suite: sc.Params.CipherSuite, KeySet: makeTrafficKeys(sc.cryptoParams, nextClientSecret)},
	}

	for _, action := range actions {
		if alert := c.takeAction(action); alert != AlertNoAlert {
			c.sendAlert(alert)
			return fmt.Errorf("tls13: alert during key update actions: %v", alert)
		}
	}

	sc.clientTrafficSecret = nextClientSecret
	c.driver.setState(sc)
	return nil
}
