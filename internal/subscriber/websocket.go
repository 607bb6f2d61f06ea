package subscriber

import (
	"context"
	"io"
	"net"
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/store"
)

// Websocket is a store.Subscriber that streams messages as text frames
// over an upgraded connection, adapted from the teacher's
// handleWebSocket/writePump pairing (single-process variant): one
// goroutine owns the connection's writes, fed by a channel so a slow
// reader never blocks the storage engine's dispatch.
type Websocket struct {
	conn      net.Conn
	send      chan []byte
	last      msgid.ID
	onDequeue func()
	logger    zerolog.Logger

	onReceiveMsg    func(prev, current msgid.ID)
	onReceiveStatus func(code int)
}

// UpgradeWebsocket upgrades r to a WebSocket connection and returns a
// subscriber ready to hand to a storage engine's Subscribe. sendBuffer
// sizes the outbound queue; a full queue means a slow consumer, and the
// caller should disconnect rather than grow it unbounded.
func UpgradeWebsocket(w http.ResponseWriter, r *http.Request, last msgid.ID, sendBuffer int, logger zerolog.Logger) (*Websocket, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}
	sub := &Websocket{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		last:   last,
		logger: logger,
	}
	go sub.writeLoop()
	return sub, nil
}

func (s *Websocket) LastMsgID() msgid.ID { return s.last }

func (s *Websocket) SetDequeueHook(fn func()) { s.onDequeue = fn }

// SetReceiveHooks registers the callbacks backing the
// subscriber_receive_message/subscriber_receive_status meta-events
// (spec.md §4.8); either may be nil.
func (s *Websocket) SetReceiveHooks(onMsg func(prev, current msgid.ID), onStatus func(code int)) {
	s.onReceiveMsg = onMsg
	s.onReceiveStatus = onStatus
}

func (s *Websocket) Dequeued() {
	close(s.send)
	if s.onDequeue != nil {
		s.onDequeue()
	}
}

// Respond implements store.Subscriber by queuing msg for the write loop.
// A full queue reports the subscriber as gone, matching the engine's
// slow-consumer-disconnect contract.
func (s *Websocket) Respond(msg message.Message) error {
	if err := s.enqueue(msg.Payload); err != nil {
		return err
	}
	if s.onReceiveMsg != nil {
		s.onReceiveMsg(msg.Prior, msg.ID)
	}
	return nil
}

// RespondStatus implements store.Subscriber; WebSocket has no status-only
// frame type in this transport, so status text is sent as a text frame.
func (s *Websocket) RespondStatus(code int, text string) error {
	if err := s.enqueue([]byte(text)); err != nil {
		return err
	}
	if s.onReceiveStatus != nil {
		s.onReceiveStatus(code)
	}
	return nil
}

func (s *Websocket) enqueue(payload []byte) error {
	select {
	case s.send <- payload:
		return nil
	default:
		return errSlowConsumer
	}
}

func (s *Websocket) writeLoop() {
	defer s.conn.Close()
	for payload := range s.send {
		if err := wsutil.WriteServerMessage(s.conn, ws.OpText, payload); err != nil {
			s.logger.Debug().Err(err).Msg("websocket write failed, closing")
			return
		}
	}
	_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, nil)
}

// ReadLoop drains client frames until the connection closes or ctx is
// cancelled, discarding payloads (this transport only subscribes; a
// websocket publisher connection is a distinct variant per spec.md §4.6).
// It exists so the TCP connection's read side is drained, which
// gobwas/ws requires to detect client-initiated closes.
func (s *Websocket) ReadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, _, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Msg("websocket read loop ended")
			}
			return
		}
	}
}

var errSlowConsumer = errSlowConsumerType{}

type errSlowConsumerType struct{}

func (errSlowConsumerType) Error() string { return "websocket send buffer full" }

var _ store.Subscriber = (*Websocket)(nil)
