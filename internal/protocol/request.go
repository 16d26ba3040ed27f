package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RequestType distinguishes inline results from out-of-band results.
type RequestType int

const (
	Blocking RequestType = iota
	NonBlocking
)

func (t RequestType) String() string {
	if t == NonBlocking {
		return "non-blocking"
	}
	return "blocking"
}

// ErrInvalidRequest indicates a request message whose data cannot be used.
var ErrInvalidRequest = errors.New("protocol: invalid request")

// ActionRequest is one action invocation received from the broker.
type ActionRequest struct {
	ID            string
	TransactionID string
	Sender        string
	Module        string
	Action        string
	Params        json.RawMessage
	Type          RequestType
	// ResultsDir is where a non-blocking job leaves its output; empty for
	// blocking requests.
	ResultsDir    string
	NotifyOutcome bool
	ParsedChunks  ParsedChunks
}

// NewActionRequest builds a request from an inbound message. The data is
// expected to have been validated against the request schema.
func NewActionRequest(t RequestType, chunks ParsedChunks) (*ActionRequest, error) {
	var data RequestData
	if err := json.Unmarshal(chunks.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if data.TransactionID == "" || data.Module == "" || data.Action == "" {
		return nil, fmt.Errorf("%w: transaction_id, module and action are required", ErrInvalidRequest)
	}

	params := data.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	notify := true
	if data.NotifyOutcome != nil {
		notify = *data.NotifyOutcome
	}

	return &ActionRequest{
		ID:            chunks.Envelope.ID,
		TransactionID: data.TransactionID,
		Sender:        chunks.Envelope.Sender,
		Module:        data.Module,
		Action:        data.Action,
		Params:        params,
		Type:          t,
		NotifyOutcome: t == NonBlocking && notify,
		ParsedChunks:  chunks,
	}, nil
}

// PrettyLabel identifies the request in log messages.
func (r *ActionRequest) PrettyLabel() string {
	return fmt.Sprintf("%s '%s %s' request (transaction %s)", r.Type, r.Module, r.Action, r.TransactionID)
}
