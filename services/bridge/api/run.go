package api

import "encoding/json"

// RunRequest asks an agent to invoke one of its registered procedures.
type RunRequest struct {
	Proc string          `json:"proc"`
	Args json.RawMessage `json:"args,omitempty"`
}

type RunResponse struct {
	Result json.RawMessage `json:"result"`
}

// ErrorResponse is written by the agent for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
	Code  string `json:"code"`
}
