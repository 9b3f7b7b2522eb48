package stratum

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bardlex/gompsolo/pkg/log"
)

const outboundQueueSize = 100

// Conn is the handle a MessageHandler uses to reach one miner
type Conn interface {
	ID() string
	RemoteAddr() string
	SendMessage(msg *Message) error
}

// MessageHandler interface for handling Stratum messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn Conn, msg *Message) error
	// HandleDisconnect runs once after the session stops reading
	HandleDisconnect(conn Conn)
}

// Session represents one connected miner
type Session struct {
	id        string
	transport Transport
	logger    *log.Logger

	connectedAt time.Time

	// Channels for communication
	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once
}

// NewSession creates a new session over transport
func NewSession(id string, transport Transport, logger *log.Logger) *Session {
	return &Session{
		id:          id,
		transport:   transport,
		logger:      logger.WithSession(id, transport.RemoteAddr()).WithFields("transport", transport.Kind()),
		connectedAt: time.Now(),
		outbound:    make(chan []byte, outboundQueueSize),
		done:        make(chan struct{}),
	}
}

// Start processes the session until the peer goes away or ctx is cancelled.
// The handler is notified of the disconnect before Start returns.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop(ctx)
	// unblock ReadLine on shutdown
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	err := s.readLoop(ctx, handler)
	handler.HandleDisconnect(s)
	return err
}

// readLoop handles incoming messages from the client
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	for {
		line, err := s.transport.ReadLine()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if err == io.EOF {
				s.logger.Info("client disconnected")
				return nil
			}
			s.logger.WithError(err).Warn("read failed")
			return err
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			// malformed lines are dropped without a reply
			s.logger.WithError(err).Warn("dropping malformed message")
			continue
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
	}
}

// writeLoop drains the outbound queue and owns closing the transport
func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("transport close", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.transport.WriteLine(data); err != nil {
				s.logger.WithError(err).Warn("failed to write message")
				s.Close()
				return
			}
			s.logger.LogStratumMessage("sent", string(data))
		}
	}
}

// SendMessage queues a message for the client. It never blocks; a full
// queue is reported as an error.
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// Close stops the session. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		// the write loop may be parked in a blocking write
		_ = s.transport.Close()
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Done is closed once the session stops
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.transport.RemoteAddr()
}

// ConnectedAt returns when the session was created
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}
