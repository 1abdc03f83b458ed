package eeprom

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wsConn turns the binary messages of a WebSocket into a byte stream.
//
// Messages are received on their own goroutine so Read can give up after the
// poll interval like a serial port read timeout. A read deadline on the
// socket cannot be used for that, as gorilla fails the connection for good
// once one expires.
type wsConn struct {
	conn *websocket.Conn
	poll time.Duration

	msgs chan []byte
	// err is the receive failure, valid once msgs is closed.
	err     error
	pending []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, poll time.Duration) *wsConn {
	w := &wsConn{
		conn: conn,
		poll: poll,
		msgs: make(chan []byte),
		done: make(chan struct{}),
	}
	go w.receive()
	return w
}

func (w *wsConn) receive() {
	defer close(w.msgs)
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			w.err = err
			return
		}
		// Text frames are adapter chatter, not link traffic.
		if kind != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case w.msgs <- data:
		case <-w.done:
			w.err = errors.New("websocket link closed")
			return
		}
	}
}

// Read returns no data when nothing arrived within the poll interval.
func (w *wsConn) Read(p []byte) (int, error) {
	if len(w.pending) == 0 {
		var timeout <-chan time.Time
		if w.poll > 0 {
			t := time.NewTimer(w.poll)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case data, ok := <-w.msgs:
			if !ok {
				return 0, w.err
			}
			w.pending = data
		case <-timeout:
			return 0, nil
		}
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

// Write sends p as a single binary message.
func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.conn.Close()
	})
	return err
}

// OpenWebSocketLink connects to a network serial adapter exposing the bridge
// over ws:// or wss://. Credentials are sent with HTTP Basic auth when a
// username is set. poll plays the part of the serial read timeout, bounding
// each read so the link idle timeout can expire.
func OpenWebSocketLink(rawURL, username, password string, skipSSLVerify bool, poll time.Duration) (*Link, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &LinkError{Op: "open", Err: errors.Wrap(err, "invalid URL")}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &LinkError{Op: "open", Err: errors.Errorf("unsupported URL scheme %q", u.Scheme)}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" && skipSSLVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	header := http.Header{}
	if username != "" {
		req := http.Request{Header: header}
		req.SetBasicAuth(username, password)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "HTTP %d", resp.StatusCode)
		}
		return nil, &LinkError{Op: "open", Err: err}
	}
	pkgLog.Infof("connected to %v", u.Host)
	return NewLink(newWSConn(conn, poll)), nil
}
