package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/corestream/corestream/pkg/transport"
)

// FramedSocket adapts a [Conn] to the [transport.FramedSocket] interface,
// so a [transport.Connection] can multiplex over this package's RFC 6455
// client the same way it would over any other framed byte-stream.
//
// Each transport frame maps to exactly one WebSocket binary message:
// conn.go's writeMessages goroutine already serializes concurrent senders
// without fragmenting outbound messages, and readMessage already
// defragments inbound ones, so FramedSocket needs no buffering of its own.
type FramedSocket struct {
	conn   *Conn
	logger *slog.Logger
}

// NewFramedSocket dials wsURL and wraps the resulting connection.
func NewFramedSocket(ctx context.Context, wsURL string, opts ...DialOpt) (*FramedSocket, error) {
	conn, err := Dial(ctx, wsURL, opts...)
	if err != nil {
		return nil, err
	}
	return &FramedSocket{conn: conn, logger: conn.logger}, nil
}

// ReceiveFrame blocks for the next WebSocket binary message and copies it
// into buf, per [transport.FramedSocket.ReceiveFrame].
func (f *FramedSocket) ReceiveFrame(buf []byte) int {
	msg, ok := <-f.conn.IncomingMessages()
	if !ok {
		return transport.SocketClosing
	}
	if msg.Opcode != OpcodeBinary {
		return transport.SocketNonBinaryFrame
	}
	if len(msg.Data) > len(buf) {
		return transport.SocketFrameTooLarge
	}
	return copy(buf, msg.Data)
}

// SendFrame submits buf as a single WebSocket binary message.
func (f *FramedSocket) SendFrame(buf []byte) {
	errc := f.conn.SendBinaryMessage(buf)
	go func() {
		if err := <-errc; err != nil {
			f.logger.Error("failed to send WebSocket binary frame", slog.Any("error", err))
		}
	}()
}

// Close initiates the WebSocket closing handshake. If waitForRemote is
// true, it waits (up to a 60-second fallback) for the peer's own Close
// frame to be observed before returning control of the goroutine, mirroring
// the bounded-wait guidance transport.Connection.ForceClose relies on.
func (f *FramedSocket) Close(reason string, waitForRemote bool) {
	status := StatusNormalClosure
	if reason != "" {
		status = StatusGoingAway
	}
	f.conn.Close(status)

	if !waitForRemote {
		return
	}
	timeout := time.NewTimer(60 * time.Second)
	defer timeout.Stop()
	for {
		select {
		case _, ok := <-f.conn.IncomingMessages():
			if !ok {
				return
			}
		case <-timeout.C:
			return
		}
	}
}
