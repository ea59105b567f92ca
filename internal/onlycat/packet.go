package onlycat

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Engine.IO v4 packet types.
const (
	eioOpen    byte = '0'
	eioClose   byte = '1'
	eioPing    byte = '2'
	eioPong    byte = '3'
	eioMessage byte = '4'
	eioNoop    byte = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message.
const (
	sioConnect      byte = '0'
	sioDisconnect   byte = '1'
	sioEvent        byte = '2'
	sioAck          byte = '3'
	sioConnectError byte = '4'
)

const noAckID int64 = -1

// packet is a decoded Engine.IO text frame. The Socket.IO fields are only set
// when eioType is eioMessage.
type packet struct {
	eioType   byte
	sioType   byte
	namespace string
	ackID     int64
	data      []byte
}

// decodePacket parses one websocket text frame.
func decodePacket(frame []byte) (packet, error) {
	p := packet{ackID: noAckID, namespace: "/"}
	if len(frame) == 0 {
		return p, fmt.Errorf("empty frame")
	}
	p.eioType = frame[0]
	rest := frame[1:]
	if p.eioType != eioMessage {
		p.data = rest
		return p, nil
	}
	if len(rest) == 0 {
		return p, fmt.Errorf("message frame without socket.io type")
	}
	p.sioType = rest[0]
	rest = rest[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.namespace = string(rest)
			return p, nil
		}
		p.namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(string(rest[:digits]), 10, 64)
		if err != nil {
			return p, fmt.Errorf("invalid ack id: %w", err)
		}
		p.ackID = id
		rest = rest[digits:]
	}
	if len(rest) > 0 && !gjson.ValidBytes(rest) {
		return p, fmt.Errorf("invalid packet payload")
	}
	p.data = rest
	return p, nil
}

// eventName returns the first element of an event payload.
func (p packet) eventName() string {
	return gjson.GetBytes(p.data, "0").String()
}

// eventArg returns the first argument following the event name.
func (p packet) eventArg() gjson.Result {
	return gjson.GetBytes(p.data, "1")
}

// ackArg returns the first acknowledgement argument.
func (p packet) ackArg() gjson.Result {
	return gjson.GetBytes(p.data, "0")
}

// connectErrorMessage extracts the message of a CONNECT_ERROR payload.
func (p packet) connectErrorMessage() string {
	parsed := gjson.ParseBytes(p.data)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	if msg := parsed.Get("message").String(); msg != "" {
		return msg
	}
	return string(p.data)
}

// encodeConnect builds the Socket.IO CONNECT frame that carries the auth payload.
func encodeConnect(token string) []byte {
	auth, _ := sjson.SetBytes([]byte(`{}`), "token", token)
	return append([]byte{eioMessage, sioConnect}, auth...)
}

// encodeDisconnect builds the Socket.IO DISCONNECT frame.
func encodeDisconnect() []byte {
	return []byte{eioMessage, sioDisconnect}
}

// encodePong answers an Engine.IO ping, echoing any probe data.
func encodePong(data []byte) []byte {
	return append([]byte{eioPong}, data...)
}

// encodeEvent builds an EVENT frame; ackID < 0 sends it without acknowledgement.
func encodeEvent(ackID int64, name string, payload any) ([]byte, error) {
	body, err := sjson.SetBytes([]byte(`[]`), "-1", name)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		body, err = sjson.SetBytes(body, "-1", payload)
		if err != nil {
			return nil, err
		}
	}
	frame := []byte{eioMessage, sioEvent}
	if ackID >= 0 {
		frame = strconv.AppendInt(frame, ackID, 10)
	}
	return append(frame, body...), nil
}
