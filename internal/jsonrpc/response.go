package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Response represents a JSON-RPC response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      ID              `json:"id"`
}

// SubscribeResult is the result of an accepted (un)subscribe request
type SubscribeResult struct {
	Status string `json:"status"`
	SubID  string `json:"subId"`
}

// HasError returns true if the response contains an error
func (r *Response) HasError() bool {
	return r.Error != nil
}

// NewSubscribeOK creates the response a mint sends for an accepted subscribe
func NewSubscribeOK(id ID, subID string) *Response {
	result, _ := json.Marshal(SubscribeResult{Status: StatusOK, SubID: subID})
	return &Response{
		JSONRPC: Version,
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{
		JSONRPC: Version,
		Error:   err,
		ID:      id,
	}
}

// Bytes returns the response as JSON bytes
func (r *Response) Bytes() ([]byte, error) {
	return json.Marshal(r)
}

// Notification is a server push for an active subscription
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

// NotificationParams contains the notification parameters
type NotificationParams struct {
	SubID   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

// NewNotification creates a new subscription notification
func NewNotification(subID string, payload json.RawMessage) *Notification {
	return &Notification{
		JSONRPC: Version,
		Method:  MethodSubscribe,
		Params: NotificationParams{
			SubID:   subID,
			Payload: payload,
		},
	}
}

// Bytes returns the notification as JSON bytes
func (n *Notification) Bytes() ([]byte, error) {
	return json.Marshal(n)
}

// Frame is any inbound message: a notification or a response
type Frame struct {
	JSONRPC string              `json:"jsonrpc"`
	Method  string              `json:"method,omitempty"`
	Params  *NotificationParams `json:"params,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *Error              `json:"error,omitempty"`
	ID      ID                  `json:"id"`
}

// ParseFrame parses an inbound message
func ParseFrame(data []byte) (*Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("frame is not a JSON object")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	return &f, nil
}

// IsNotification reports whether the frame is a subscription notification
func (f *Frame) IsNotification() bool {
	return f.Method == MethodSubscribe && f.Params != nil && f.Params.SubID != ""
}

// IsError reports whether the frame is an error response
func (f *Frame) IsError() bool {
	return f.Method == "" && f.Error != nil
}

// IsResult reports whether the frame is a successful response
func (f *Frame) IsResult() bool {
	return f.Method == "" && f.Error == nil && len(f.Result) > 0 && !bytes.Equal(f.Result, []byte("null"))
}

// SubscribeResult decodes the result of a successful response
func (f *Frame) SubscribeResult() (*SubscribeResult, error) {
	var res SubscribeResult
	if err := json.Unmarshal(f.Result, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
