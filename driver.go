package tls13

// StepResult reports what a single Driver.Step call accomplished, so a
// caller can multiplex a handshake against other work instead of blocking
// inside one long Handshake() call for the whole negotiation.
//
// Step still performs one blocking read from the underlying connection when
// it needs more input (the record layer's transport is a net.Conn, not a
// buffered non-blocking source) but returns control to the caller after
// each handshake message instead of looping until the connection reaches
// StateConnected. That granularity is what lets StepNewSessionTicket be
// reported as a distinct, non-terminal event post-handshake.
type StepResult int

const (
	StepContinue StepResult = iota
	StepWantRead
	StepWantWrite
	StepNewSessionTicket
	StepDone
	StepError
)

// Driver runs a HandshakeState one message at a time. It is the
// non-blocking-shaped replacement for driving ClientStateStart..StateConnected
// by hand: each Step either sends the actions a transition produced,
// receives the next message, or reports that the handshake (or a
// post-handshake event) has completed.
type Driver struct {
	state HandshakeState
	hl    *HandshakeLayer

	take func(HandshakeAction) Alert

	connected bool
	err       Alert
}

// NewDriver builds a Driver that reads incoming handshake messages from hl
// (the connection's inbound HandshakeLayer) and hands every HandshakeAction
// a transition produces to take (typically Conn.takeAction, which owns the
// outbound HandshakeLayer for SendHandshakeMessage actions).
func NewDriver(hl *HandshakeLayer, take func(HandshakeAction) Alert) *Driver {
	return &Driver{hl: hl, take: take}
}

// setState lets the caller splice in a StateConnected value that was
// advanced outside of Step (Conn.extendBuffer's inline post-handshake
// message handling, SendKeyUpdate), keeping the driver authoritative for
// Driver.State() and so for Conn.ConnectionState().
func (d *Driver) setState(sc StateConnected) {
	d.state = sc
	d.connected = true
}

// Start runs the client's synthetic first transition (ClientStateStart,
// with a nil message) and executes its actions, without reading anything.
func (d *Driver) Start(caps Capabilities, opts ConnectionOptions) (StepResult, Alert) {
	state, actions, alert := ClientStateStart{Caps: caps, Opts: opts}.Next(nil)
	if alert != AlertNoAlert {
		d.err = alert
		return StepError, alert
	}

	for _, action := range actions {
		if a := d.take(action); a != AlertNoAlert {
			d.err = a
			return StepError, a
		}
	}

	d.state = state
	if _, ok := state.(StateConnected); ok {
		d.connected = true
		return StepDone, AlertNoAlert
	}
	return StepWantRead, AlertNoAlert
}

// Step reads exactly one handshake message, advances the state machine, and
// runs the resulting actions. Once StateConnected is reached, Step keeps
// consuming post-handshake messages (NewSessionTicket, KeyUpdate) and
// reports StepNewSessionTicket so the caller can notice new tickets without
// polling the PSK cache.
func (d *Driver) Step() (StepResult, Alert) {
	if d.state == nil {
		return StepError, AlertInternalError
	}

	hm, err := d.hl.ReadMessage()
	if err != nil {
		logf(logTypeHandshake, "driver: error reading message: %v", err)
		d.err = AlertCloseNotify
		return StepError, AlertCloseNotify
	}

	wasConnected := d.connected
	state, actions, alert := d.state.Next(hm)
	if alert != AlertNoAlert {
		d.err = alert
		return StepError, alert
	}

	gotTicket := false
	for _, action := range actions {
		if _, ok := action.(StorePSK); ok {
			gotTicket = true
		}
		if a := d.take(action); a != AlertNoAlert {
			d.err = a
			return StepError, a
		}
	}

	d.state = state
	_, d.connected = state.(StateConnected)

	if !d.connected {
		return StepWantRead, AlertNoAlert
	}
	if !wasConnected {
		return StepDone, AlertNoAlert
	}
	if gotTicket {
		return StepNewSessionTicket, AlertNoAlert
	}
	return StepContinue, AlertNoAlert
}

func (d *Driver) Connected() bool { return d.connected }

func (d *Driver) State() (StateConnected, bool) {
	sc, ok := d.state.(StateConnected)
	return sc, ok
}
