package main

import (
	"encoding/json"
	"errors"
)

// MessageType is the `type` field of a live channel frame.
type MessageType string

const (
	MsgConnectionStatus MessageType = "connection_status"
	MsgTransaction      MessageType = "transaction"
	MsgPong             MessageType = "pong"
	MsgPing             MessageType = "ping"
	MsgReceived         MessageType = "message_received"
	MsgError            MessageType = "error"
)

// Envelope is one JSON frame on the live channel.
type Envelope struct {
	Type       MessageType        `json:"type"`
	Status     string             `json:"status,omitempty"`
	Message    string             `json:"message,omitempty"`
	ServerTime string             `json:"server_time,omitempty"`
	Timestamp  string             `json:"timestamp,omitempty"`
	Data       *TransactionRecord `json:"data,omitempty"`
}

// Known reports whether the frame type is one the client routes or expects.
func (e Envelope) Known() bool {
	switch e.Type {
	case MsgConnectionStatus, MsgTransaction, MsgPong, MsgReceived, MsgError:
		return true
	}
	return false
}

// DecodeEnvelope parses one frame. Transaction payloads are normalized.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, &MalformedMessageError{Reason: "invalid JSON", Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &MalformedMessageError{Reason: "message type is missing"}
	}
	if env.Type == MsgTransaction {
		if env.Data == nil {
			return Envelope{}, &MalformedMessageError{Reason: "transaction frame without data"}
		}
		if err := env.Data.Normalize(); err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}

// EncodeEnvelope marshals a frame for the wire.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, errors.New("message type is required")
	}
	return json.Marshal(env)
}
