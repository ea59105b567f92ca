// Package onlycattest provides an in-process fake of the OnlyCat gateway for tests.
package onlycattest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Behavior tweaks how the fake gateway answers.
type Behavior struct {
	// RejectStatus, when non-zero, fails the websocket upgrade with this HTTP status.
	RejectStatus int
	// ConnectError overrides the CONNECT_ERROR message sent for unknown tokens.
	ConnectError string
	// DropOnRequest closes the connection when an acknowledged request arrives.
	DropOnRequest bool
	// MalformedAck answers requests with an undecodable frame.
	MalformedAck bool
	// ProfileAfterAck sends the userUpdate event only after acknowledging the first request.
	ProfileAfterAck bool
}

// Request is one acknowledged event received by the fake gateway.
type Request struct {
	Token   string
	Name    string
	Payload string
}

// Server is a fake OnlyCat gateway speaking Engine.IO v4 / Socket.IO v5 text frames.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	users       map[string]string
	behavior    Behavior
	requests    []Request
	connections int
	disconnects int
	pongs       int
}

// NewServer starts a fake gateway. Close it with Close.
func NewServer() *Server {
	s := &Server{users: make(map[string]string)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// GatewayURL returns the websocket URL clients should dial.
func (s *Server) GatewayURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
}

// AddUser accepts token and, when profile is not empty, announces it as the userUpdate payload.
func (s *Server) AddUser(token, profile string) {
	s.mu.Lock()
	s.users[token] = profile
	s.mu.Unlock()
}

// SetBehavior replaces the current behavior.
func (s *Server) SetBehavior(b Behavior) {
	s.mu.Lock()
	s.behavior = b
	s.mu.Unlock()
}

// Requests returns the acknowledged events received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Connections returns the number of upgraded websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Disconnects returns the number of Socket.IO DISCONNECT frames received.
func (s *Server) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Pongs returns the number of Engine.IO pongs received.
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	behavior := s.behavior
	s.mu.Unlock()

	if behavior.RejectStatus != 0 {
		http.Error(w, http.StatusText(behavior.RejectStatus), behavior.RejectStatus)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	s.mu.Lock()
	s.connections++
	s.mu.Unlock()

	send := func(frame string) bool {
		return conn.WriteMessage(websocket.TextMessage, []byte(frame)) == nil
	}
	if !send(`0{"sid":"fake","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`) {
		return
	}
	if !send("2") {
		return
	}

	token := ""
	profile := ""
	acked := false
	for {
		_, data, errRead := conn.ReadMessage()
		if errRead != nil {
			return
		}
		frame := string(data)
		switch {
		case frame == "3":
			s.mu.Lock()
			s.pongs++
			s.mu.Unlock()
		case strings.HasPrefix(frame, "40"):
			token = gjson.Get(strings.TrimPrefix(frame, "40"), "token").String()
			s.mu.Lock()
			p, ok := s.users[token]
			s.mu.Unlock()
			if !ok {
				msg := behavior.ConnectError
				if msg == "" {
					msg = "Invalid token"
				}
				send(`44{"message":` + strconv.Quote(msg) + `}`)
				return
			}
			profile = p
			if !send(`40{"sid":"fake-socket"}`) {
				return
			}
			if profile != "" && !behavior.ProfileAfterAck {
				if !send(`42["userUpdate",` + profile + `]`) {
					return
				}
			}
		case frame == "41":
			s.mu.Lock()
			s.disconnects++
			s.mu.Unlock()
			return
		case strings.HasPrefix(frame, "42"):
			rest := strings.TrimPrefix(frame, "42")
			digits := 0
			for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
				digits++
			}
			ackID, body := rest[:digits], rest[digits:]
			s.mu.Lock()
			s.requests = append(s.requests, Request{
				Token:   token,
				Name:    gjson.Get(body, "0").String(),
				Payload: gjson.Get(body, "1").Raw,
			})
			s.mu.Unlock()
			if ackID == "" {
				continue
			}
			if behavior.DropOnRequest {
				return
			}
			if behavior.MalformedAck {
				send("43" + ackID + "[{broken")
				continue
			}
			if !send("43" + ackID + `[[]]`) {
				return
			}
			if profile != "" && behavior.ProfileAfterAck && !acked {
				send(`42["userUpdate",` + profile + `]`)
			}
			acked = true
		}
	}
}
