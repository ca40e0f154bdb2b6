package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const jsonrpcVersion = "2.0"

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ProtocolError  `json:"error,omitempty"`
}

func newRequest(id int64, method string, params any) request {
	return request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}
}

func newNotification(method string, params any) request {
	return request{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// isNotification reports messages initiated by the server that carry no id.
func (r *response) isNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// matches compares the response id with an outgoing request id. Servers are
// allowed to echo numeric ids as strings.
func (r *response) matches(id int64) bool {
	raw := bytes.TrimSpace(r.ID)
	if len(raw) == 0 {
		return false
	}
	want := strconv.FormatInt(id, 10)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false
		}
		return s == want
	}
	return string(raw) == want
}

// unwrap turns a decoded response into its result, or the carried error.
func (r *response) unwrap() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	if len(r.Result) == 0 {
		return json.RawMessage("{}"), nil
	}
	return r.Result, nil
}

func decodeResponse(data []byte) (*response, error) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ProtocolError{Code: CodeParseError, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	return &resp, nil
}
