package stratum

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bardlex/gompsolo/pkg/errors"
)

// Transport kinds
const (
	KindTCP       = "tcp"
	KindWebSocket = "ws"
)

// Transport moves newline-delimited protocol lines over a connection
type Transport interface {
	// ReadLine blocks until one complete line is available. The returned
	// slice is only valid until the next call.
	ReadLine() ([]byte, error)
	WriteLine(line []byte) error
	Close() error
	RemoteAddr() string
	Kind() string
}

// tcpTransport frames lines over a raw TCP stream
type tcpTransport struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	buf          []byte
	readTimeout  time.Duration
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewTCPTransport wraps conn. Lines longer than maxLine fail the read.
func NewTCPTransport(conn net.Conn, maxLine int, readTimeout, writeTimeout time.Duration) Transport {
	buf := GetBuffer()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(buf[:0:min(cap(buf), maxLine)], maxLine)
	return &tcpTransport{
		conn:         conn,
		scanner:      scanner,
		buf:          buf,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (t *tcpTransport) ReadLine() ([]byte, error) {
	for {
		if t.readTimeout > 0 {
			if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
				return nil, err
			}
		}
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				if err == bufio.ErrTooLong {
					return nil, errors.Wrap(err, errors.ErrorTypeMalformed, "read_line", "line exceeds maximum message size")
				}
				return nil, err
			}
			return nil, io.EOF
		}
		line := bytes.TrimSpace(t.scanner.Bytes())
		if len(line) > 0 {
			return line, nil
		}
	}
}

func (t *tcpTransport) WriteLine(line []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := t.conn.Write(append(line, '\n'))
	return err
}

func (t *tcpTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
		PutBuffer(t.buf)
	})
	return err
}

func (t *tcpTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }
func (t *tcpTransport) Kind() string       { return KindTCP }

// wsTransport carries protocol lines in websocket text frames. A frame may
// hold several newline-separated lines.
type wsTransport struct {
	conn         *websocket.Conn
	pending      [][]byte
	readTimeout  time.Duration
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

// NewWebSocketTransport wraps an upgraded websocket connection
func NewWebSocketTransport(conn *websocket.Conn, maxLine int, readTimeout, writeTimeout time.Duration) Transport {
	conn.SetReadLimit(int64(maxLine))
	return &wsTransport{
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (t *wsTransport) ReadLine() ([]byte, error) {
	for len(t.pending) == 0 {
		if t.readTimeout > 0 {
			if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
				return nil, err
			}
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if line = bytes.TrimSpace(line); len(line) > 0 {
				t.pending = append(t.pending, line)
			}
		}
	}

	line := t.pending[0]
	t.pending = t.pending[1:]
	return line, nil
}

func (t *wsTransport) WriteLine(line []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, append(line, '\n'))
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }
func (t *wsTransport) Kind() string       { return KindWebSocket }
