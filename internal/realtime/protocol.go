// Package realtime carries order updates and notifications to connected portal clients over
// websockets.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags a frame on the wire.
type MessageType string

const (
	TypeOrderUpdate  MessageType = "orderUpdate"
	TypeNotification MessageType = "notification"
	TypePing         MessageType = "ping"
	TypeAuth         MessageType = "auth"
	TypePong         MessageType = "pong"
)

var (
	// ErrMalformedMessage wraps frames that are not a valid envelope or carry a bad payload.
	ErrMalformedMessage = errors.New("realtime: malformed message")
	errUnknownOutbound  = errors.New("realtime: unknown outbound message")
)

// Envelope is the JSON frame shape shared by both directions.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a server to client message. The set is closed to the types in this file.
type Outbound interface {
	Type() MessageType
	outbound()
}

// OrderUpdate tells a client one of its orders changed status.
type OrderUpdate struct {
	OrderID   int64  `json:"orderId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Notification is a titled message, optionally tied to an order.
type Notification struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	OrderID   *int64 `json:"orderId,omitempty"`
}

// Ping is the heartbeat sent on every sweep.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (OrderUpdate) Type() MessageType  { return TypeOrderUpdate }
func (Notification) Type() MessageType { return TypeNotification }
func (Ping) Type() MessageType         { return TypePing }

func (OrderUpdate) outbound()  {}
func (Notification) outbound() {}
func (Ping) outbound()         {}

// Inbound is a client to server message.
type Inbound interface {
	Type() MessageType
	inbound()
}

// AuthMessage asserts the identity of the sending client. Token, when present, is a session token
// that must resolve to UserID.
type AuthMessage struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// PongMessage answers a Ping.
type PongMessage struct{}

// UnknownMessage is any well-formed envelope with an unrecognized type.
type UnknownMessage struct {
	Name string
}

func (AuthMessage) Type() MessageType      { return TypeAuth }
func (PongMessage) Type() MessageType      { return TypePong }
func (m UnknownMessage) Type() MessageType { return MessageType(m.Name) }

func (AuthMessage) inbound()    {}
func (PongMessage) inbound()    {}
func (UnknownMessage) inbound() {}

// EncodeOutbound renders a server message as an envelope.
func EncodeOutbound(message Outbound) ([]byte, error) {
	switch message.(type) {
	case OrderUpdate, Notification, Ping:
	default:
		return nil, fmt.Errorf("%w: %T", errUnknownOutbound, message)
	}
	return encode(message.Type(), message)
}

// EncodeInbound renders a client message as an envelope. Pong carries no payload.
func EncodeInbound(message Inbound) ([]byte, error) {
	switch typed := message.(type) {
	case AuthMessage:
		return encode(TypeAuth, typed)
	case PongMessage:
		return json.Marshal(Envelope{Type: TypePong})
	default:
		return nil, fmt.Errorf("realtime: cannot encode inbound %T", message)
	}
}

// DecodeInbound parses a client frame. Unrecognized types decode to UnknownMessage.
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch envelope.Type {
	case TypeAuth:
		var message AuthMessage
		if err := decodePayload(envelope.Payload, &message); err != nil {
			return nil, err
		}
		return message, nil
	case TypePong:
		return PongMessage{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return UnknownMessage{Name: string(envelope.Type)}, nil
	}
}

// DecodeOutbound parses a server frame. Unrecognized types are reported with ok=false.
func DecodeOutbound(data []byte) (message Outbound, ok bool, err error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch envelope.Type {
	case TypeOrderUpdate:
		var update OrderUpdate
		if err := decodePayload(envelope.Payload, &update); err != nil {
			return nil, false, err
		}
		return update, true, nil
	case TypeNotification:
		var notification Notification
		if err := decodePayload(envelope.Payload, &notification); err != nil {
			return nil, false, err
		}
		return notification, true, nil
	case TypePing:
		var ping Ping
		if err := decodePayload(envelope.Payload, &ping); err != nil {
			return nil, false, err
		}
		return ping, true, nil
	default:
		return nil, false, nil
	}
}

func encode(messageType MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: messageType, Payload: raw})
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
