package messenger

import (
	"context"

	"github.com/c360/groupmock/errors"
	"github.com/c360/groupmock/session"
)

// Passthrough forwards outgoing messages unchanged to an
// application-supplied real transport. It is the Sender selected when
// mocking is disabled, so a Messenger built over it behaves exactly like
// one talking to the platform.
type Passthrough struct {
	real Sender
}

var _ Sender = (*Passthrough)(nil)

// NewPassthrough wraps a real message transport. real may be nil when no
// platform messenger is available; sends then fail with ErrNoRealTransport.
func NewPassthrough(real Sender) *Passthrough {
	return &Passthrough{real: real}
}

// SendMessage delegates to the wrapped transport.
func (p *Passthrough) SendMessage(ctx context.Context, identifier, sessionID, typeName, value string, recipients []session.Participant) error {
	if p.real == nil {
		return errors.WrapFatal(errors.ErrNoRealTransport, "Passthrough", "SendMessage",
			"deliver "+typeName)
	}
	return p.real.SendMessage(ctx, identifier, sessionID, typeName, value, recipients)
}
