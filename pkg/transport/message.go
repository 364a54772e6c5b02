package transport

import "sync"

// Direction identifies whether a Message was received or is being sent.
type Direction uint8

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

// Message is the payload-bearing entity shared across spec §3/§4.G.
// The connection core uniquely owns an incoming Message's buffer while
// it is in flight; ownership passes to the application at the Complete
// (or NewMessage) dispatch.
type Message struct {
	mu sync.Mutex

	direction Direction
	payload   []byte
	header    []byte

	bytesReceived int // Incoming only.
	cancelled     bool
	newFired      bool
	completeFired bool
	pending       EventMask // Accumulated since the last takePendingEvents.

	registry callbackRegistry
}

// newIncomingMessage allocates a Message to receive expectedLength bytes,
// created on the first data frame bearing its message number (spec §3).
func newIncomingMessage(expectedLength int, header []byte) *Message {
	return &Message{
		direction: DirectionIncoming,
		payload:   make([]byte, expectedLength),
		header:    header,
	}
}

// newOutgoingPayloadMessage wraps a pre-filled buffer for sending.
func newOutgoingPayloadMessage(payload, header []byte) *Message {
	return &Message{
		direction:     DirectionOutgoing,
		payload:       payload,
		header:        header,
		bytesReceived: len(payload), // Outgoing payloads are "fully received" by definition.
	}
}

func (m *Message) Header() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

func (m *Message) Payload() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payload
}

func (m *Message) BytesReceived() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesReceived
}

func (m *Message) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete()
}

func (m *Message) complete() bool {
	return !m.cancelled && m.bytesReceived == len(m.payload)
}

func (m *Message) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// RegisterCallback subscribes fn to message-level events. Outgoing
// messages never fire callbacks, and NewMessage is only meaningful at
// connection level, per spec §4.G/§7 (ApplicationMisuse).
func (m *Message) RegisterCallback(fn Callback, mask EventMask) error {
	m.mu.Lock()
	direction := m.direction
	m.mu.Unlock()

	if direction == DirectionOutgoing {
		return errApplicationMisuse("cannot register a callback on an outgoing message")
	}
	if mask&EventNewMessage != 0 {
		return errApplicationMisuse("NewMessage is only valid at connection level")
	}

	m.registry.register(fn, mask)
	return nil
}

// appendPayload is called by the receive loop after n newly-arrived bytes
// were written contiguously at the message's current bytesReceived
// offset (spec §5: "bytes of a single message are delivered ... in
// strictly increasing offset order"). It returns the events that fired.
func (m *Message) appendPayload(n int) EventMask {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelled {
		return 0
	}

	m.bytesReceived += n

	events := EventPayloadReceived
	if !m.newFired {
		events |= EventNewMessage
		m.newFired = true
	}
	if m.complete() && !m.completeFired {
		events |= EventComplete
		m.completeFired = true
	}
	m.pending |= events
	return events
}

// cancel marks the message cancelled and reports whether NewMessage had
// already fired for it. If it had not, spec §4.G/§9 says the application
// never heard of the message and must receive no events at all for it, so
// nothing is added to the pending set in that case.
func (m *Message) cancel() (alreadyAnnounced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelled || m.completeFired {
		return m.newFired
	}
	m.cancelled = true
	if m.newFired {
		m.pending |= EventCancelled
	}
	return m.newFired
}

// takePendingEvents drains and returns the events accumulated since the
// last call. The dispatch queue coalesces repeated enqueues of the same
// Message (spec §4.F), so this is how the dispatch loop recovers exactly
// which events are owed once it finally gets around to the message.
func (m *Message) takePendingEvents() EventMask {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.pending
	m.pending = 0
	return e
}

// fireDispatch invokes the message-level registry with events, typically
// whatever takePendingEvents just drained.
func (m *Message) fireDispatch(events EventMask, onPanic func(any)) {
	if events == 0 {
		return
	}
	m.registry.fire(m, events, onPanic)
}

// OutgoingMessage wraps a Message with send-side bookkeeping (spec §3).
// It is created by the send API and owned by the send queue until
// bytesRemaining reaches 0 or it is cancelled.
type OutgoingMessage struct {
	mu sync.Mutex

	msg            *Message
	number         uint8
	priority       int
	headerOverride []byte
	bytesSent      int
	cancelled      bool
}

func newOutgoingMessage(msg *Message, number uint8, priority int, headerOverride []byte) *OutgoingMessage {
	return &OutgoingMessage{msg: msg, number: number, priority: priority, headerOverride: headerOverride}
}

func (o *OutgoingMessage) Message() *Message { return o.msg }
func (o *OutgoingMessage) Number() uint8     { return o.number }
func (o *OutgoingMessage) Priority() int     { return o.priority }

// Header returns the header that will be sent with this message: the
// per-send override if one was given, otherwise the wrapped message's own.
func (o *OutgoingMessage) Header() []byte {
	o.mu.Lock()
	override := o.headerOverride
	o.mu.Unlock()
	if override != nil {
		return override
	}
	return o.msg.Header()
}

// BytesSent returns how many payload bytes have been handed to the
// underlying socket so far.
func (o *OutgoingMessage) BytesSent() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bytesSent
}

// BytesRemaining is payload.length - bytesSent.
func (o *OutgoingMessage) BytesRemaining() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msg.payload) - o.bytesSent
}

// BytesReady is message.bytesReceived - bytesSent: the bytes available to
// forward right now, which may be less than bytesRemaining while
// forwarding a not-yet-complete incoming message (spec §3, "forwarding").
func (o *OutgoingMessage) BytesReady() int {
	o.mu.Lock()
	sent := o.bytesSent
	o.mu.Unlock()
	return o.msg.BytesReceived() - sent
}

func (o *OutgoingMessage) advance(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytesSent += n
}

func (o *OutgoingMessage) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

func (o *OutgoingMessage) markCancelled() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = true
}
