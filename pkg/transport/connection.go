// Package transport implements the core of a real-time message transport
// that layers priority multiplexing, bandwidth shaping, and liveness
// detection on top of a framed byte-stream such as a WebSocket.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corestream/corestream/internal/logger"
)

// state is the connection's place in the lifecycle described by spec §4.I.
type state int32

const (
	stateOpening state = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pingState is the subset of ping bookkeeping that both the receive loop
// (on a 0x11 Pong) and the send loop (on ping send/timeout) touch, so it
// carries its own small lock (spec §5: everything else about ping
// handling, e.g. pingCount, is confined to the send loop and needs none).
type pingState struct {
	mu          sync.Mutex
	outstanding bool
	sentAt      time.Time
	missed      int
}

// Connection owns the three cooperating loops (receive, send, dispatch)
// over a single FramedSocket, and implements the protocol state machine,
// priority multiplexing, bandwidth shaping, and liveness detection
// described in spec.md.
type Connection struct {
	socket FramedSocket
	cfg    TransportConfig
	name   string
	logger *slog.Logger

	stateVal atomic.Int32 // state

	capMu            sync.Mutex
	negotiated       CapabilitySet
	capabilitiesSent bool

	sendNumbers chan uint8
	sendQ       *sendQueue
	dispatchQ   *dispatchQueue

	incomingMu       sync.Mutex
	incomingSlots    [MaxConcurrentMessages]*Message
	incomingOccupied int

	localRTT          *movingAverage
	inboundThroughput *movingAverage
	remoteRTT         atomic.Uint32 // last controlFrame.RTT seen from the peer
	outboundThroughput atomic.Int32 // last controlFrame.Throughput seen from the peer

	ping pingState

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	sendWake     chan struct{}
	dispatchWake chan struct{}
	closing      chan struct{}
	closeOnce    sync.Once
	closed       chan struct{}
	closeReason  atomic.Pointer[CloseReason]

	sendCapsPending atomic.Bool
	pongPending     atomic.Bool

	// pendingCancels is the outgoing-cancel-request queue drained by the
	// send loop (spec §4.I step 4); appended to by Cancel, which may be
	// called from any goroutine.
	cancelMu       sync.Mutex
	pendingCancels []*OutgoingMessage

	connRegistry callbackRegistry

	dispatchStartOnce sync.Once
}

// New constructs a Connection over socket and immediately spawns its
// receive and send loops. The application MUST register connection-level
// callbacks and then call BeginDispatch to start processing them (spec §6).
//
// If sendCapabilities is true, the connection proactively sends a
// capabilities frame at start (the client side typically does this);
// legacy-compatible servers pass false and wait to see one first.
func New(ctx context.Context, socket FramedSocket, cfg TransportConfig, name string, sendCapabilities bool) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = defaultDisplayName()
	}

	numbers := make(chan uint8, cfg.MaxConcurrentMessages)
	for i := 0; i < cfg.MaxConcurrentMessages; i++ {
		numbers <- uint8(i) //gosec:disable G115 -- cfg.MaxConcurrentMessages is bounded to 16 by Validate.
	}

	c := &Connection{
		socket:            socket,
		cfg:               cfg,
		name:              name,
		logger:            logger.FromContext(ctx).With(slog.String("connection", name)),
		sendNumbers:       numbers,
		sendQ:             newSendQueue(cfg.PriorityLevels),
		dispatchQ:         newDispatchQueue(),
		localRTT:          newMovingAverage(0, cfg.BandwidthEstimatorSamples),
		inboundThroughput: newMovingAverage(0, cfg.BandwidthEstimatorSamples),
		sendWake:          make(chan struct{}, 1),
		dispatchWake:      make(chan struct{}, 1),
		closing:           make(chan struct{}),
		closed:            make(chan struct{}),
	}
	c.stateVal.Store(int32(stateOpening))
	if sendCapabilities {
		c.sendCapsPending.Store(true)
	}

	go c.receiveLoop()
	go c.sendLoop()

	return c, nil
}

func (c *Connection) getState() state   { return state(c.stateVal.Load()) }
func (c *Connection) setState(s state)  { c.stateVal.Store(int32(s)) }
func (c *Connection) IsClosing() bool {
	s := c.getState()
	return s == stateClosing || s == stateClosed
}

// BeginDispatch starts the dispatch loop. Must be called exactly once,
// after the caller has registered every connection-level callback it needs.
func (c *Connection) BeginDispatch() {
	c.dispatchStartOnce.Do(func() {
		go c.dispatchLoop()
	})
}

// RegisterCallback subscribes fn to connection-level events (spec §6).
func (c *Connection) RegisterCallback(fn Callback, mask EventMask) {
	c.connRegistry.register(fn, mask)
}

func (c *Connection) notifySend() {
	select {
	case c.sendWake <- struct{}{}:
	default:
	}
}

func (c *Connection) notifyDispatch() {
	select {
	case c.dispatchWake <- struct{}{}:
	default:
	}
}

func (c *Connection) logPanic(recovered any) {
	c.logger.Error("recovered from a panicking message callback", slog.Any("panic", recovered))
}

// ---- Receive loop (spec §4.I) ----

func (c *Connection) receiveLoop() {
	var pending []DataFrameDescriptor

	// Per-group throughput timing state; owned exclusively by this loop
	// (spec §5: a single task's counters need no synchronization).
	var (
		groupActive    bool
		groupRemaining int
		groupBytes     int64
		groupStart     time.Time
	)

	for {
		if c.getState() == stateClosed {
			return
		}

		var buf []byte
		var descr *DataFrameDescriptor
		if len(pending) > 0 {
			d := pending[0]
			pending = pending[1:]
			descr = &d

			msg := c.incomingSlot(d.MessageNumber)
			if msg == nil {
				// Peer referenced a slot we don't have (e.g. after a local
				// cancel raced with in-flight data); treat as a protocol
				// violation rather than panicking on a nil payload.
				c.forceClose(CloseReason{Kind: CloseProtocolViolation, Detail: "data frame for unknown message number"})
				return
			}
			buf = msg.Payload()[d.Offset:]
		} else {
			buf = make([]byte, maxControlFrameSize)
		}

		n := c.socket.ReceiveFrame(buf)
		if n < 0 {
			c.forceClose(translateSocketError(n))
			return
		}

		if descr != nil {
			c.bytesIn.Add(int64(n))
			msg := c.incomingSlot(descr.MessageNumber)
			msg.appendPayload(n)
			c.dispatchQ.enqueue(msg)
			c.notifyDispatch()

			if groupActive {
				groupBytes += int64(n)
				groupRemaining--
				if groupRemaining <= 0 {
					elapsed := time.Since(groupStart)
					// Groups of at most one MTU (and anything faster than
					// 1ms) are too noisy to trust (spec §9).
					if groupBytes > int64(c.cfg.SinglePacketMTU) && elapsed.Milliseconds() > 0 {
						c.inboundThroughput.record(groupBytes * 1000 / elapsed.Milliseconds())
					}
					groupActive = false
				}
			}

			if descr.IsLast {
				c.clearIncomingSlot(descr.MessageNumber)
			}
			continue
		}

		cf, err := DecodeControlFrame(buf[:n])
		if err != nil {
			c.forceClose(CloseReason{Kind: CloseProtocolViolation, Detail: err.Error()})
			return
		}

		if c.getState() == stateOpening {
			c.setState(stateOpen)
		}

		c.remoteRTT.Store(uint32(cf.RTT))
		c.outboundThroughput.Store(cf.Throughput)

		switch {
		case cf.Opcode == OpcodeCapabilities:
			c.capMu.Lock()
			c.negotiated = negotiate(LocalCapabilities(), cf.Capabilities)
			needToSend := c.negotiated.supportsCapabilities() && !c.capabilitiesSent
			c.capMu.Unlock()
			if needToSend {
				c.sendCapsPending.Store(true)
				c.notifySend()
			}

		case cf.Opcode.isSendData():
			groupActive = true
			groupRemaining = len(cf.Descriptors)
			groupBytes = 0
			groupStart = time.Now()

			for _, d := range cf.Descriptors {
				if d.IsFirst {
					msg := newIncomingMessage(int(d.TotalMessageLength), d.Header)
					c.setIncomingSlot(d.MessageNumber, msg)
				}
				pending = append(pending, d)
			}

		case cf.Opcode == OpcodePing:
			c.schedulePong()

		case cf.Opcode == OpcodePong:
			c.ping.mu.Lock()
			if c.ping.outstanding {
				c.localRTT.record(time.Since(c.ping.sentAt).Milliseconds())
				c.ping.outstanding = false
				c.ping.missed = 0
			}
			c.ping.mu.Unlock()

		case cf.Opcode == OpcodeCancelMessages:
			c.handleIncomingCancel(cf.CancelMask)
		}
	}
}

func (c *Connection) incomingSlot(n uint8) *Message {
	c.incomingMu.Lock()
	defer c.incomingMu.Unlock()
	return c.incomingSlots[n]
}

func (c *Connection) setIncomingSlot(n uint8, m *Message) {
	c.incomingMu.Lock()
	defer c.incomingMu.Unlock()
	if c.incomingSlots[n] == nil {
		c.incomingOccupied++
	}
	c.incomingSlots[n] = m
}

func (c *Connection) clearIncomingSlot(n uint8) {
	c.incomingMu.Lock()
	defer c.incomingMu.Unlock()
	if c.incomingSlots[n] != nil {
		c.incomingSlots[n] = nil
		c.incomingOccupied--
	}
}

func (c *Connection) incomingOccupiedCount() int {
	c.incomingMu.Lock()
	defer c.incomingMu.Unlock()
	return c.incomingOccupied
}

func (c *Connection) schedulePong() {
	c.pongPending.Store(true)
	c.notifySend()
}

// handleIncomingCancel marks each bit's slot cancelled and enqueues it for
// dispatch (spec §4.I "Incoming cancel"). A message that never announced
// NewMessage to any registry fires no events at all (spec §9).
func (c *Connection) handleIncomingCancel(mask uint16) {
	for i := 0; i < MaxConcurrentMessages; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		msg := c.incomingSlot(uint8(i))
		if msg == nil {
			continue
		}
		msg.cancel()
		c.dispatchQ.enqueue(msg)
		c.notifyDispatch()
		c.clearIncomingSlot(uint8(i))
	}
}

func translateSocketError(n int) CloseReason {
	switch n {
	case SocketClosing:
		return CloseReason{Kind: CloseTransportClosed, Detail: "underlying socket closed"}
	case SocketFrameTooLarge:
		return CloseReason{Kind: CloseProtocolViolation, Detail: "frame exceeds buffer"}
	case SocketNonBinaryFrame:
		return CloseReason{Kind: CloseProtocolViolation, Detail: "non-binary frame"}
	default:
		return CloseReason{Kind: CloseTransportClosed, Detail: fmt.Sprintf("socket error %d", n)}
	}
}

// ---- Send loop (spec §4.I) ----

// outboundBudget computes the number of bytes the send loop may spend
// this tick, rounded to a whole number of underlying frames (spec §4.I
// step 1):
//
//	budget = ceil(outboundThroughputEstimate * maxPercentThroughput * targetResponsiveness / 100000 / mtu) * mtu
func (c *Connection) outboundBudget() int {
	throughput := int64(c.outboundThroughput.Load())
	if throughput <= 0 {
		// Nothing heard from the peer yet: send one MTU's worth so the
		// first control+data frames can go out and prime the estimator.
		return c.cfg.SinglePacketMTU
	}
	mtu := int64(c.cfg.SinglePacketMTU)
	num := throughput * int64(c.cfg.MaxPercentThroughput) * int64(c.cfg.TargetResponsivenessMS)
	bytes := (num + 100_000*mtu - 1) / (100_000 * mtu) * mtu
	if bytes < mtu {
		bytes = mtu
	}
	return int(bytes)
}

// pingInterval returns the jittered interval before the next ping, per
// spec §4.I/§9: the first pingIntervalMs/initialPingIntervalMs pings use
// initialPingIntervalMs, and steady state uses pingIntervalMs, each
// jittered by up to ±50% to avoid every connection in a fleet
// synchronizing its pings.
func (c *Connection) pingInterval(pingCount int) time.Duration {
	initialPings := c.cfg.PingIntervalMS / c.cfg.InitialPingIntervalMS // Validate guarantees both > 0.
	base := c.cfg.PingIntervalMS
	if pingCount < initialPings {
		base = c.cfg.InitialPingIntervalMS
	}
	jitter := 0.5 + rand.Float64() // nolint:gosec -- timing jitter, not a security boundary.
	return time.Duration(float64(base)*jitter) * time.Millisecond
}

func (c *Connection) sendLoop() {
	budgetTimer := time.NewTimer(time.Duration(c.cfg.TargetResponsivenessMS) * time.Millisecond)
	defer budgetTimer.Stop()

	var pingCount int
	pingTimer := time.NewTimer(c.pingInterval(pingCount))
	defer pingTimer.Stop()

	bytesBudget := c.outboundBudget()

	for {
		if c.getState() == stateClosed {
			return
		}

		select {
		case <-budgetTimer.C:
			bytesBudget = c.outboundBudget()
			budgetTimer.Reset(time.Duration(c.cfg.TargetResponsivenessMS) * time.Millisecond)
		default:
		}

		if c.pongPending.CompareAndSwap(true, false) {
			c.sendControlOnly(OpcodePong)
		}

		if c.sendCapsPending.CompareAndSwap(true, false) {
			c.sendCapabilities()
		}

		c.drainCancelQueue()

		select {
		case <-pingTimer.C:
			c.handlePingTick(&pingCount)
			pingTimer.Reset(c.pingInterval(pingCount))
		default:
		}

		sentAny := false
		var descriptors []DataFrameDescriptor
		var frames [][]byte
		for len(descriptors) < maxDescriptorsPerFrame && bytesBudget > 0 {
			msg, n := c.sendQ.next(bytesBudget)
			if msg == nil {
				break
			}

			sent := msg.BytesSent()
			d := DataFrameDescriptor{
				MessageNumber:      msg.Number(),
				Offset:             uint32(sent), //gosec:disable G115 -- bounded by 26-bit wire field, validated at send time.
				TotalMessageLength: uint32(len(msg.Message().Payload())),
				IsFirst:            sent == 0,
				IsLast:             sent+n == len(msg.Message().Payload()),
			}
			if d.IsFirst {
				d.Header = msg.Header()
			}

			payload := msg.Message().Payload()[sent : sent+n]
			frames = append(frames, payload)
			descriptors = append(descriptors, d)

			msg.advance(n)
			bytesBudget -= n
			sentAny = true

			if d.IsLast {
				c.releaseMessageNumber(msg.Number())
			}
		}

		if len(descriptors) > 0 {
			c.emitSendData(descriptors, frames)
		}

		if sentAny {
			continue // More budget or queue state may remain; re-check immediately.
		}

		select {
		case <-c.sendWake:
		case <-pingTimer.C:
			c.handlePingTick(&pingCount)
			pingTimer.Reset(c.pingInterval(pingCount))
		case <-budgetTimer.C:
			bytesBudget = c.outboundBudget()
			budgetTimer.Reset(time.Duration(c.cfg.TargetResponsivenessMS) * time.Millisecond)
		case <-c.closing:
			return
		}
	}
}

// buildPrefix fills in the RTT/throughput fields every outgoing control
// frame carries, regardless of opcode (spec §4.B): our current local RTT
// sample and our measured inbound throughput, so the peer can update its
// own remoteRttEstimate/outboundThroughputEstimate.
func (c *Connection) buildPrefix(opcode Opcode) ControlFrame {
	return ControlFrame{
		Opcode:     opcode,
		RTT:        uint16(min(c.localRTT.value(), 0xFFFF)), //gosec:disable G115 -- clamped to uint16 range above.
		Throughput: int32(min(c.inboundThroughput.value(), 0x7FFFFFFF)), //gosec:disable G115 -- clamped to int32 range above.
	}
}

func (c *Connection) sendControlOnly(opcode Opcode) {
	cf := c.buildPrefix(opcode)
	b, err := EncodeControlFrame(cf)
	if err != nil {
		c.logger.Error("failed to encode control frame", slog.String("opcode", opcode.String()), slog.Any("error", err))
		return
	}
	c.socket.SendFrame(b)
	c.bytesOut.Add(int64(len(b)))
}

func (c *Connection) sendCapabilities() {
	cf := c.buildPrefix(OpcodeCapabilities)
	cf.Capabilities = LocalCapabilities()
	b, err := EncodeControlFrame(cf)
	if err != nil {
		c.logger.Error("failed to encode capabilities frame", slog.Any("error", err))
		return
	}
	c.socket.SendFrame(b)
	c.bytesOut.Add(int64(len(b)))
	c.capMu.Lock()
	c.capabilitiesSent = true
	c.capMu.Unlock()
}

func (c *Connection) emitSendData(descriptors []DataFrameDescriptor, frames [][]byte) {
	cf := c.buildPrefix(Opcode(len(descriptors)))
	cf.Descriptors = descriptors
	b, err := EncodeControlFrame(cf)
	if err != nil {
		c.logger.Error("failed to encode send-data frame", slog.Any("error", err))
		return
	}
	c.socket.SendFrame(b)
	c.bytesOut.Add(int64(len(b)))
	for _, f := range frames {
		c.socket.SendFrame(f)
		c.bytesOut.Add(int64(len(f)))
	}
}

func (c *Connection) releaseMessageNumber(n uint8) {
	select {
	case c.sendNumbers <- n:
	default:
		// Should never happen: numbers are 1:1 with in-flight slots.
		c.logger.Error("send number pool overflow releasing message number", slog.Int("number", int(n)))
	}
	c.notifySend()
}

// drainCancelQueue emits one 0x12 frame covering every outgoing message
// cancelled since the last tick (spec §4.I step 4). A message's send
// queue slot and its message number are only released here, in the same
// pass that (would) emit the 0x12 frame: the peer must never be told
// "message N" means something new before it has been told the old
// message N is gone.
//
// Legacy peers that never negotiated CapabilityCancelMessage don't
// understand the opcode, so in that case the cancel request is dropped
// without notifying the peer and without releasing the number (spec §9's
// documented legacy fallback): the message is merely left in-flight and
// keeps sending to completion, at the cost of the resource it still
// holds, rather than risk corrupting the peer's view of that message
// number or of whatever new message it would be reassigned to. If the
// number pool is fully exhausted and empty while stuck in that state,
// forward progress is impossible, so the connection is force-closed
// (spec §4.I "Outgoing cancel", §7 CloseBackpressureExhausted).
func (c *Connection) drainCancelQueue() {
	c.cancelMu.Lock()
	pending := c.pendingCancels
	c.pendingCancels = nil
	c.cancelMu.Unlock()

	if len(pending) == 0 {
		return
	}

	c.capMu.Lock()
	canCancel := c.negotiated.supportsCancel()
	c.capMu.Unlock()

	if !canCancel {
		if len(c.sendNumbers) == 0 {
			c.forceClose(CloseReason{
				Kind:   CloseBackpressureExhausted,
				Detail: "out of message numbers and unable to cancel",
			})
		}
		return
	}

	var mask uint16
	for _, m := range pending {
		if m.isCancelled() {
			continue // Already handled by an earlier drain; avoid a double release.
		}
		if err := c.sendQ.cancel(m); err != nil {
			continue // Finished sending on its own before the cancel caught up.
		}
		m.markCancelled()
		c.releaseMessageNumber(m.Number())
		mask |= 1 << m.Number()
	}
	if mask == 0 {
		return
	}

	cf := c.buildPrefix(OpcodeCancelMessages)
	cf.CancelMask = mask
	b, err := EncodeControlFrame(cf)
	if err != nil {
		c.logger.Error("failed to encode cancel-messages frame", slog.Any("error", err))
		return
	}
	c.socket.SendFrame(b)
	c.bytesOut.Add(int64(len(b)))
}

func (c *Connection) handlePingTick(pingCount *int) {
	c.ping.mu.Lock()
	missedPriorPing := c.ping.outstanding
	if missedPriorPing {
		c.ping.missed++
	}
	missed := c.ping.missed
	c.ping.outstanding = true
	c.ping.sentAt = time.Now()
	c.ping.mu.Unlock()

	if missed >= c.cfg.MissedPingCount {
		c.forceClose(CloseReason{Kind: CloseLivenessTimeout, Detail: fmt.Sprintf("missed %d consecutive pongs", missed)})
		return
	}

	*pingCount++
	c.sendControlOnly(OpcodePing)
}

// ---- Dispatch loop (spec §4.F) ----

func (c *Connection) dispatchLoop() {
	for {
		for {
			msg := c.dispatchQ.dequeue()
			if msg == nil {
				break
			}
			events := msg.takePendingEvents()
			if events == 0 {
				continue
			}
			msg.fireDispatch(events, c.logPanic)
			c.connRegistry.fire(msg, events, c.logPanic)
		}

		if c.IsClosing() && c.incomingOccupiedCount() == 0 {
			return
		}

		select {
		case <-c.dispatchWake:
		case <-c.closing:
		}
	}
}

// ---- Public API (spec §6) ----

// SendMessage admits payload for sending at priority, returning the
// OutgoingMessage handle used to track and optionally cancel it. It
// blocks until a message-number slot is free or the connection starts
// closing (spec §4.I, "at most maxConcurrentMessages in flight").
func (c *Connection) SendMessage(payload, header []byte, priority int) (*OutgoingMessage, error) {
	if c.IsClosing() {
		return nil, ErrConnectionClosing
	}
	if priority < 0 || priority >= c.cfg.PriorityLevels {
		return nil, errApplicationMisuse("priority out of range")
	}

	select {
	case n := <-c.sendNumbers:
		msg := newOutgoingPayloadMessage(payload, header)
		out := newOutgoingMessage(msg, n, priority, nil)
		c.sendQ.enqueue(out)
		c.notifySend()
		return out, nil
	case <-c.closing:
		return nil, ErrConnectionClosing
	}
}

// ForwardMessage re-sends an incoming Message (possibly still in
// progress) at priority, forwarding bytes as they arrive rather than
// waiting for Complete (spec §3, "forwarding"). headerOverride replaces
// the forwarded message's header if non-nil.
//
// If msg is not yet Complete, its arrival is still racing the forward:
// this registers two message-level callbacks (spec §4.I "Send
// admission") so the forward stays in lockstep with the source message
// instead of stalling or outliving it: PayloadReceived wakes the send
// loop so newly-arrived bytes go out promptly, and Cancelled requests
// cancellation of the forwarded copy itself, which is how an upstream
// cancel propagates across a relay (spec §8 scenario S6).
func (c *Connection) ForwardMessage(msg *Message, priority int, headerOverride []byte) (*OutgoingMessage, error) {
	if c.IsClosing() {
		return nil, ErrConnectionClosing
	}
	if priority < 0 || priority >= c.cfg.PriorityLevels {
		return nil, errApplicationMisuse("priority out of range")
	}

	select {
	case n := <-c.sendNumbers:
		out := newOutgoingMessage(msg, n, priority, headerOverride)
		c.sendQ.enqueue(out)

		if !msg.Complete() {
			err := msg.RegisterCallback(func(_ *Message, events EventMask) {
				if events&EventPayloadReceived != 0 {
					c.notifySend()
				}
				if events&EventCancelled != 0 {
					c.requestCancel(out)
				}
			}, EventPayloadReceived|EventCancelled)
			if err != nil {
				c.logger.Error("failed to link forwarded message to its source", slog.Any("error", err))
			}
		}

		c.notifySend()
		return out, nil
	case <-c.closing:
		return nil, ErrConnectionClosing
	}
}

// Cancel requests that an in-flight outgoing message stop sending. It is
// a no-op error (ErrSendTooLate) if the message has already been fully
// sent (spec §7). The actual send-queue removal and message-number
// release happen later, in drainCancelQueue, once it's known whether the
// peer can even be told (spec §4.I "Outgoing cancel").
func (c *Connection) Cancel(out *OutgoingMessage) error {
	if out.BytesRemaining() == 0 {
		return ErrSendTooLate
	}
	c.requestCancel(out)
	return nil
}

// requestCancel enqueues out for the send loop's next drainCancelQueue
// pass. Safe to call from any goroutine.
func (c *Connection) requestCancel(out *OutgoingMessage) {
	c.cancelMu.Lock()
	c.pendingCancels = append(c.pendingCancels, out)
	c.cancelMu.Unlock()
	c.notifySend()
}

// ForceClose transitions the connection to Closing (if not already) and
// begins tearing down the underlying socket (spec §4.I, "Any → Closing").
// It is idempotent: subsequent calls are no-ops.
func (c *Connection) ForceClose(reason CloseReason) {
	c.forceClose(reason)
}

func (c *Connection) forceClose(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(&reason)
		c.setState(stateClosing)
		close(c.closing)

		c.incomingMu.Lock()
		for i := range c.incomingSlots {
			if msg := c.incomingSlots[i]; msg != nil {
				msg.cancel()
				c.dispatchQ.enqueue(msg)
				c.incomingSlots[i] = nil
				c.incomingOccupied--
			}
		}
		c.incomingMu.Unlock()
		c.notifyDispatch()

		waitForRemote := reason.Kind == CloseApplicationRequested
		go func() {
			c.socket.Close(reason.Error(), waitForRemote)
			c.setState(stateClosed)
			close(c.closed)
		}()
	})
}

// WaitClose blocks until the connection is fully closed, returning the
// reason it closed for (spec §4.I, §7).
func (c *Connection) WaitClose() CloseReason {
	<-c.closed
	if r := c.closeReason.Load(); r != nil {
		return *r
	}
	return CloseReason{Kind: CloseApplicationRequested}
}

// RTTEstimate returns min(local, remote) round-trip estimates in
// milliseconds: local sampling tends to overestimate under load, so the
// lower of the two sides' views is exposed (spec §4.C, §9).
func (c *Connection) RTTEstimate() int64 {
	local := c.localRTT.value()
	remote := int64(c.remoteRTT.Load())
	return min(local, remote)
}

func (c *Connection) InboundThroughputEstimate() int64 { return c.inboundThroughput.value() }

func (c *Connection) OutboundThroughputEstimate() int64 { return int64(c.outboundThroughput.Load()) }

func (c *Connection) NegotiatedCapabilities() CapabilitySet {
	c.capMu.Lock()
	defer c.capMu.Unlock()
	return c.negotiated
}

func (c *Connection) BytesIn() int64  { return c.bytesIn.Load() }
func (c *Connection) BytesOut() int64 { return c.bytesOut.Load() }

func (c *Connection) Name() string { return c.name }

// Stats is a point-in-time snapshot of everything a monitoring sink would
// want to sample periodically (spec supplement: see SPEC_FULL.md §12).
type Stats struct {
	Name                       string
	State                      string
	BytesIn                    int64
	BytesOut                   int64
	RTTEstimateMS              int64
	InboundThroughputBps       int64
	OutboundThroughputBps      int64
	NegotiatedCapabilityBits   int32
}

// Stats returns a snapshot suitable for periodic metrics recording.
func (c *Connection) Stats() Stats {
	caps := c.NegotiatedCapabilities()
	return Stats{
		Name:                     c.name,
		State:                    c.getState().String(),
		BytesIn:                  c.BytesIn(),
		BytesOut:                 c.BytesOut(),
		RTTEstimateMS:            c.RTTEstimate(),
		InboundThroughputBps:     c.InboundThroughputEstimate(),
		OutboundThroughputBps:    c.OutboundThroughputEstimate(),
		NegotiatedCapabilityBits: caps.CapabilityBits,
	}
}
