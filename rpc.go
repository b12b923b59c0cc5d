package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// RPCMessage is the top-level envelope on the wire: exactly one of Req or
// Res is populated, each signed by every address in Sig.
type RPCMessage struct {
	Req          *RPCData    `json:"req,omitempty" validate:"required_without=Res,excluded_with=Res"`
	Res          *RPCData    `json:"res,omitempty" validate:"required_without=Req,excluded_with=Req"`
	AppSessionID string      `json:"sid,omitempty"`
	Sig          []Signature `json:"sig"`
}

// ParseRPCMessage decodes one wire message.
func ParseRPCMessage(data []byte) (RPCMessage, error) {
	var msg RPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return RPCMessage{}, fmt.Errorf("failed to parse request: %w", err)
	}
	return msg, nil
}

// GetRequestSignersMap recovers the address behind every signature attached
// to the request, keyed for O(1) membership checks against a participant
// set.
func (r RPCMessage) GetRequestSignersMap() (map[string]struct{}, error) {
	signers := make(map[string]struct{}, len(r.Sig))
	for _, sig := range r.Sig {
		addr, err := RecoverAddress(r.Req.rawBytes, sig)
		if err != nil {
			return nil, err
		}
		signers[addr] = struct{}{}
	}
	return signers, nil
}

// RPCDataParams holds a request or response's method-specific payload.
type RPCDataParams = any

const rpcDataArrayLen = 4

// RPCData is the [request_id, method, params, ts] tuple shared by requests
// and responses; it marshals to and from that positional array rather than
// a JSON object.
type RPCData struct {
	RequestID uint64        `json:"request_id" validate:"required"`
	Method    string        `json:"method" validate:"required"`
	Params    RPCDataParams `json:"params" validate:"required"`
	Timestamp uint64        `json:"ts" validate:"required"`
	rawBytes  []byte
}

func (m *RPCData) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("error reading RPCData as array: %w", err)
	}
	if len(fields) != rpcDataArrayLen {
		return fmt.Errorf("invalid RPCData: expected %d elements in array, got %d", rpcDataArrayLen, len(fields))
	}

	if err := json.Unmarshal(fields[0], &m.RequestID); err != nil {
		return fmt.Errorf("invalid request_id: %w", err)
	}
	if err := json.Unmarshal(fields[1], &m.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	if err := json.Unmarshal(fields[2], &m.Params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(fields[3], &m.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	m.rawBytes = data
	return nil
}

func (m RPCData) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.RequestID, m.Method, m.Params, m.Timestamp})
}

// CreateResponse wraps a handler result into a response envelope stamped
// with the current time and no signatures attached yet.
func CreateResponse(id uint64, method string, responseParams RPCDataParams) *RPCMessage {
	return &RPCMessage{
		Res: &RPCData{
			RequestID: id,
			Method:    method,
			Params:    responseParams,
			Timestamp: uint64(time.Now().UnixMilli()),
		},
		Sig: []Signature{},
	}
}

// RPCError marks an error message as safe to return to the client
// verbatim. A handler that wants to hide internal detail should return a
// plain error instead and let the caller substitute a generic message.
type RPCError struct {
	err error
}

// RPCErrorf builds a client-facing RPCError. The formatted message should
// avoid leaking internal detail (file paths, database specifics) since it
// is sent to the client unmodified.
func RPCErrorf(format string, args ...any) RPCError {
	return RPCError{err: fmt.Errorf(format, args...)}
}

func (e RPCError) Error() string {
	return e.err.Error()
}
