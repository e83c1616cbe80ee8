package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MethodInitialize is the method name of the session-opening handshake.
const MethodInitialize = "initialize"

var (
	ErrEmptyPayload = errors.New("empty JSON-RPC payload")
	ErrEmptyBatch   = errors.New("empty JSON-RPC batch")
)

// Payload is a parsed HTTP body: either a single message or an ordered batch.
type Payload struct {
	Messages []AnyMessage
	Batch    bool
}

// ParsePayload decodes a single JSON-RPC message or a batch array.
func ParsePayload(data []byte) (*Payload, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	if data[0] != '[' {
		var msg AnyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &Payload{Messages: []AnyMessage{msg}}, nil
	}

	var msgs []AnyMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}
	return &Payload{Messages: msgs, Batch: true}, nil
}

// IsInitialize reports whether the payload carries an initialize call: the
// single message is one, or any element of a batch is one.
func (p *Payload) IsInitialize() bool {
	if p == nil {
		return false
	}
	return IsInitialize(p.Messages...)
}

// IsInitialize reports whether any of msgs is an initialize call.
func IsInitialize(msgs ...AnyMessage) bool {
	for i := range msgs {
		if msgs[i].Method == MethodInitialize {
			return true
		}
	}
	return false
}

// HasRequests reports whether at least one message expects a response.
func (p *Payload) HasRequests() bool {
	for i := range p.Messages {
		if p.Messages[i].Type() == "request" {
			return true
		}
	}
	return false
}

// FirstID returns the id of the first request in the payload, or nil.
func (p *Payload) FirstID() *RequestID {
	if p == nil {
		return nil
	}
	for i := range p.Messages {
		if !p.Messages[i].ID.IsNil() {
			return p.Messages[i].ID
		}
	}
	return nil
}
