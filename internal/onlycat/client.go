// Package onlycat implements a minimal client for the OnlyCat cloud gateway.
//
// The gateway speaks Socket.IO v5 over an Engine.IO v4 websocket transport. The
// client authenticates with an access token in the CONNECT auth payload, delivers
// server events to registered listeners and correlates acknowledged requests.
package onlycat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	writeTimeout            = 10 * time.Second
	closeGracePeriod        = time.Second
)

// Listener receives the first argument of a server event. Listeners run on the
// client's reader goroutine in frame order, so an event received before the
// acknowledgement of a request is delivered before that request returns.
type Listener func(payload gjson.Result)

type ackResult struct {
	payload gjson.Result
	err     error
}

// Client is a single-use connection to the OnlyCat gateway bound to one access token.
type Client struct {
	token   string
	session *Session

	listenersMu sync.RWMutex
	listeners   map[string][]Listener

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	pending map[int64]chan ackResult
	nextAck int64
	closing bool

	writeMu sync.Mutex
}

// NewClient constructs a client bound to token that dials through session.
func NewClient(token string, session *Session) *Client {
	return &Client{
		token:     token,
		session:   session,
		listeners: make(map[string][]Listener),
	}
}

// AddEventListener registers fn for the named server event. The event may never fire.
func (c *Client) AddEventListener(event string, fn Listener) {
	if fn == nil {
		return
	}
	c.listenersMu.Lock()
	c.listeners[event] = append(c.listeners[event], fn)
	c.listenersMu.Unlock()
}

// Connected reports whether the connection is established and still being read.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closing {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Connect dials the gateway and completes the Engine.IO and Socket.IO handshakes.
// A rejected token yields KindAuth, an unreachable gateway KindCommunication.
func (c *Client) Connect(ctx context.Context) error {
	const op = "connect"
	if ctx == nil {
		ctx = context.Background()
	}
	if c.session == nil || c.session.Dialer == nil {
		return newError(KindUnknown, op, "session is not configured", nil)
	}
	if strings.TrimSpace(c.token) == "" {
		return newError(KindAuth, op, "access token is empty", nil)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errProtocol(op, "client already connected")
	}
	c.mu.Unlock()

	var header http.Header
	if c.session.Header != nil {
		header = c.session.Header.Clone()
	}
	conn, resp, err := c.session.Dialer.DialContext(ctx, c.session.GatewayURL, header)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		closeHTTPResponseBody(resp)
	}
	if err != nil {
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return newError(KindAuth, op, fmt.Sprintf("gateway rejected handshake with status %d", status), err)
		}
		return newError(KindCommunication, op, "dial gateway", err)
	}

	stop := watchContext(ctx, conn)
	err = c.handshake(ctx, conn)
	stop()
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.pending = make(map[int64]chan ackResult)
	c.mu.Unlock()

	go c.readLoop(conn, done)
	log.Debugf("onlycat: connected to %s", redactURL(c.session.GatewayURL))
	return nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	const op = "connect"
	timeout := c.session.Dialer.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	sentConnect := false
	for {
		p, errRead := readPacket(op, conn)
		if errRead != nil {
			if errCtx := ctx.Err(); errCtx != nil {
				return newError(KindCommunication, op, "handshake interrupted", errCtx)
			}
			return errRead
		}
		switch p.eioType {
		case eioOpen:
			if sentConnect {
				continue
			}
			if errWrite := c.write(conn, encodeConnect(c.token)); errWrite != nil {
				return transportError(op, errWrite)
			}
			sentConnect = true
		case eioPing:
			if errWrite := c.write(conn, encodePong(p.data)); errWrite != nil {
				return transportError(op, errWrite)
			}
		case eioClose:
			return newError(KindCommunication, op, "gateway closed the connection during handshake", nil)
		case eioMessage:
			switch p.sioType {
			case sioConnect:
				if !sentConnect {
					return errProtocol(op, "socket.io connect before engine.io open")
				}
				return nil
			case sioConnectError:
				msg := p.connectErrorMessage()
				return newError(classifyConnectError(msg), op, msg, nil)
			case sioEvent:
				c.dispatch(p)
			case sioDisconnect:
				return newError(KindCommunication, op, "gateway disconnected during handshake", nil)
			}
		}
	}
}

// SendMessage emits the named event with payload and waits for its acknowledgement.
// It returns the first acknowledgement argument.
func (c *Client) SendMessage(ctx context.Context, name string, payload any) (gjson.Result, error) {
	const op = "send"
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closing || c.pending == nil {
		c.mu.Unlock()
		return gjson.Result{}, errNotConnected(op)
	}
	id := c.nextAck
	c.nextAck++
	ch := make(chan ackResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := encodeEvent(id, name, payload)
	if err != nil {
		c.forget(id)
		return gjson.Result{}, newError(KindUnknown, op, "encode "+name, err)
	}
	if err = c.write(conn, frame); err != nil {
		c.forget(id)
		return gjson.Result{}, transportError(op, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.session.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.session.RequestTimeout)
		defer cancel()
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.forget(id)
		return gjson.Result{}, newError(KindCommunication, op, "no acknowledgement for "+name, ctx.Err())
	}
}

// Disconnect sends the Socket.IO DISCONNECT frame, closes the websocket and waits
// for the reader to stop. Calling it on a client that never connected is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	const op = "disconnect"
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	select {
	case <-done:
	default:
		if errWrite := c.write(conn, encodeDisconnect()); errWrite != nil {
			log.Debugf("onlycat: write disconnect frame: %v", errWrite)
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
	}

	var result error
	if errClose := conn.Close(); errClose != nil && !errors.Is(errClose, net.ErrClosed) {
		result = transportError(op, errClose)
	}

	select {
	case <-done:
	case <-ctx.Done():
		if result == nil {
			result = newError(KindCommunication, op, "reader did not stop", ctx.Err())
		}
	}
	log.Debug("onlycat: disconnected")
	return result
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	var loopErr error
	defer func() {
		c.finish(done, loopErr)
	}()

	for {
		p, errRead := readPacket("receive", conn)
		if errRead != nil {
			loopErr = errRead
			return
		}
		switch p.eioType {
		case eioPing:
			if errWrite := c.write(conn, encodePong(p.data)); errWrite != nil {
				loopErr = transportError("receive", errWrite)
				return
			}
		case eioClose:
			loopErr = newError(KindCommunication, "receive", "gateway closed the connection", nil)
			return
		case eioMessage:
			switch p.sioType {
			case sioEvent:
				c.dispatch(p)
			case sioAck:
				c.resolve(p.ackID, ackResult{payload: p.ackArg()})
			case sioDisconnect:
				loopErr = newError(KindCommunication, "receive", "gateway disconnected the client", nil)
				return
			}
		}
	}
}

// finish fails every outstanding request and marks the connection as gone.
func (c *Client) finish(done chan struct{}, loopErr error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	closing := c.closing
	c.mu.Unlock()

	if closing {
		loopErr = newError(KindCommunication, "send", "connection closed before acknowledgement", nil)
	} else if loopErr != nil {
		log.Debugf("onlycat: reader stopped: %v", loopErr)
	}
	if loopErr == nil {
		loopErr = newError(KindCommunication, "send", "connection lost", nil)
	}
	for _, ch := range pending {
		ch <- ackResult{err: loopErr}
	}
	close(done)
}

func (c *Client) resolve(id int64, res ackResult) {
	if id == noAckID {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) dispatch(p packet) {
	name := p.eventName()
	c.listenersMu.RLock()
	fns := append([]Listener(nil), c.listeners[name]...)
	c.listenersMu.RUnlock()
	if len(fns) == 0 {
		return
	}
	arg := p.eventArg()
	for _, fn := range fns {
		callListener(name, fn, arg)
	}
}

func callListener(name string, fn Listener, arg gjson.Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.WithField("event", name).Errorf("onlycat: listener panicked: %v", recovered)
		}
	}()
	fn(arg)
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// readPacket reads the next text frame, skipping binary frames.
func readPacket(op string, conn *websocket.Conn) (packet, error) {
	for {
		msgType, data, errRead := conn.ReadMessage()
		if errRead != nil {
			return packet{}, transportError(op, errRead)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		p, errDecode := decodePacket(data)
		if errDecode != nil {
			return packet{}, newError(KindUnknown, op, "malformed frame", errDecode)
		}
		if p.eioType == eioNoop || p.eioType == eioPong {
			continue
		}
		return p, nil
	}
}

// watchContext unblocks reads on conn when ctx ends. The returned stop waits for
// the watcher to exit so it cannot touch the connection afterwards.
func watchContext(ctx context.Context, conn *websocket.Conn) func() {
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-stopCh:
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		}
	}()
	return func() {
		close(stopCh)
		wg.Wait()
	}
}

func classifyConnectError(message string) ErrorKind {
	lower := strings.ToLower(message)
	for _, marker := range []string{"auth", "token", "unauthor", "forbidden", "invalid credentials"} {
		if strings.Contains(lower, marker) {
			return KindAuth
		}
	}
	return KindUnknown
}

func closeHTTPResponseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	if errClose := resp.Body.Close(); errClose != nil {
		log.Errorf("onlycat: close handshake response body error: %v", errClose)
	}
}

func redactURL(raw string) string {
	if idx := strings.IndexByte(raw, '?'); idx >= 0 {
		return raw[:idx]
	}
	return raw
}
