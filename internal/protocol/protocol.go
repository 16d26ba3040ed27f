// Package protocol defines the messages exchanged with the broker: the PCP
// envelope, the PXP request/response message types and ActionRequest.
package protocol

import (
	"encoding/json"
	"time"
)

// PCP message types handled by the transport.
const (
	AssociateRequestType  = "http://puppetlabs.com/associate_request"
	AssociateResponseType = "http://puppetlabs.com/associate_response"
	ErrorMessageType      = "http://puppetlabs.com/error_message"
)

// PXP message types.
const (
	BlockingRequestType     = "http://puppetlabs.com/rpc_blocking_request"
	NonBlockingRequestType  = "http://puppetlabs.com/rpc_non_blocking_request"
	ProvisionalResponseType = "http://puppetlabs.com/rpc_provisional_response"
	BlockingResponseType    = "http://puppetlabs.com/rpc_blocking_response"
	NonBlockingResponseType = "http://puppetlabs.com/rpc_non_blocking_response"
	PXPErrorMessageType     = "http://puppetlabs.com/rpc_error_message"
)

// Envelope is a PCP message as framed on the websocket.
type Envelope struct {
	ID          string            `json:"id"`
	MessageType string            `json:"message_type"`
	Sender      string            `json:"sender,omitempty"`
	Targets     []string          `json:"targets,omitempty"`
	Expires     time.Time         `json:"expires"`
	InReplyTo   string            `json:"in_reply_to,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Debug       []json.RawMessage `json:"debug,omitempty"`
}

// ParsedChunks is an inbound message split into its parts. Debug holds the
// well-formed debug entries in arrival order; NumInvalidDebug counts the
// entries that were dropped.
type ParsedChunks struct {
	Envelope        Envelope
	Data            json.RawMessage
	Debug           []json.RawMessage
	NumInvalidDebug int
}

// ParseEnvelope decodes a frame and separates valid debug entries (JSON
// objects) from malformed ones.
func ParseEnvelope(frame []byte) (ParsedChunks, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return ParsedChunks{}, err
	}

	chunks := ParsedChunks{Envelope: env, Data: env.Data}
	for _, entry := range env.Debug {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(entry, &obj); err != nil || obj == nil {
			chunks.NumInvalidDebug++
			continue
		}
		chunks.Debug = append(chunks.Debug, entry)
	}
	return chunks, nil
}

// AssociateResponse is the data of an associate_response message.
type AssociateResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorData is the data of a PCP error message.
type ErrorData struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// PXPErrorData is the data of a PXP rpc_error_message.
type PXPErrorData struct {
	TransactionID string `json:"transaction_id"`
	ID            string `json:"id"`
	Description   string `json:"description"`
}

// RequestData is the data of a blocking or non-blocking request.
type RequestData struct {
	TransactionID string          `json:"transaction_id"`
	Module        string          `json:"module"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params"`
	NotifyOutcome *bool           `json:"notify_outcome,omitempty"`
}

// BlockingResponseData is the data of an rpc_blocking_response.
type BlockingResponseData struct {
	TransactionID string          `json:"transaction_id"`
	Results       json.RawMessage `json:"results"`
}

// NonBlockingResponseData is the data of an rpc_non_blocking_response.
type NonBlockingResponseData struct {
	TransactionID string          `json:"transaction_id"`
	JobID         string          `json:"job_id"`
	Results       json.RawMessage `json:"results"`
}

// ProvisionalResponseData is the data of an rpc_provisional_response.
type ProvisionalResponseData struct {
	TransactionID string `json:"transaction_id"`
}
