package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Request represents a JSON-RPC request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      ID              `json:"id"`
}

// SubscribeParams are the params of a subscribe request
type SubscribeParams struct {
	Kind    Kind     `json:"kind"`
	SubID   string   `json:"subId"`
	Filters []string `json:"filters"`
}

// UnsubscribeParams are the params of an unsubscribe request
type UnsubscribeParams struct {
	SubID string `json:"subId"`
}

// NewRequest creates a new JSON-RPC request
func NewRequest(method string, params interface{}, id ID) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		Method:  method,
		ID:      id,
	}

	if params != nil {
		paramsBytes, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsBytes
	}

	return req, nil
}

// NewSubscribeRequest builds a subscribe request
func NewSubscribeRequest(id int64, kind Kind, subID string, filters []string) *Request {
	// SubscribeParams only holds strings, marshalling cannot fail
	req, _ := NewRequest(MethodSubscribe, SubscribeParams{Kind: kind, SubID: subID, Filters: filters}, NewIDInt(id))
	return req
}

// NewUnsubscribeRequest builds an unsubscribe request
func NewUnsubscribeRequest(id int64, subID string) *Request {
	req, _ := NewRequest(MethodUnsubscribe, UnsubscribeParams{SubID: subID}, NewIDInt(id))
	return req
}

// Validate checks if the request is valid
func (r *Request) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("invalid jsonrpc version: %s", r.JSONRPC)
	}
	if r.Method == "" {
		return fmt.Errorf("method is required")
	}
	return nil
}

// IsSubscribeMethod returns true if the method is subscribe
func (r *Request) IsSubscribeMethod() bool {
	return r.Method == MethodSubscribe
}

// IsUnsubscribeMethod returns true if the method is unsubscribe
func (r *Request) IsUnsubscribeMethod() bool {
	return r.Method == MethodUnsubscribe
}

// SubscribeParams decodes the params of a subscribe request
func (r *Request) SubscribeParams() (*SubscribeParams, error) {
	if !r.IsSubscribeMethod() {
		return nil, fmt.Errorf("not a subscribe request")
	}
	var params SubscribeParams
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid params format: %w", err)
	}
	if params.SubID == "" {
		return nil, fmt.Errorf("subId is required")
	}
	return &params, nil
}

// UnsubscribeParams decodes the params of an unsubscribe request
func (r *Request) UnsubscribeParams() (*UnsubscribeParams, error) {
	if !r.IsUnsubscribeMethod() {
		return nil, fmt.Errorf("not an unsubscribe request")
	}
	var params UnsubscribeParams
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, fmt.Errorf("invalid params format: %w", err)
	}
	if params.SubID == "" {
		return nil, fmt.Errorf("subId is required")
	}
	return &params, nil
}

// Bytes returns the request as JSON bytes
func (r *Request) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// Clone creates a copy of the request
func (r *Request) Clone() *Request {
	clone := &Request{
		JSONRPC: r.JSONRPC,
		Method:  r.Method,
		ID:      r.ID,
	}
	if r.Params != nil {
		clone.Params = make(json.RawMessage, len(r.Params))
		copy(clone.Params, r.Params)
	}
	return clone
}
