package pxp

import (
	"github.com/nupi-ai/pxp-agent/internal/protocol"
	"github.com/nupi-ai/pxp-agent/internal/schema"
)

// NewRequestValidator returns a validator holding the data schemas of the
// blocking and non-blocking request messages, registered under their
// message types.
func NewRequestValidator() *schema.Validator {
	v := schema.NewValidator()
	for _, messageType := range []string{protocol.BlockingRequestType, protocol.NonBlockingRequestType} {
		s := schema.New(messageType)
		s.AddConstraint("transaction_id", schema.String, true)
		s.AddConstraint("module", schema.String, true)
		s.AddConstraint("action", schema.String, true)
		s.AddConstraint("params", schema.Object, true)
		if messageType == protocol.NonBlockingRequestType {
			s.AddConstraint("notify_outcome", schema.Bool, false)
		}
		if err := v.RegisterSchema(s); err != nil {
			panic("pxp: building request schemas: " + err.Error())
		}
	}
	return v
}
