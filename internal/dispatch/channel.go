package dispatch

import "alarmd/internal/bridge"

// Channel adapts a Context to bridge.Channel. Invocations are one-way;
// there is no completion signal and the sender is never blocked.
type Channel struct {
	ctx *Context
}

// NewChannel returns the delivery channel for ref. The ref must have been
// produced by this package's Service.
func NewChannel(ref bridge.ContextRef) (*Channel, error) {
	c, ok := ref.(*Context)
	if !ok {
		return nil, ErrForeignContext
	}
	return &Channel{ctx: c}, nil
}

// InvokeOneWay implements bridge.Channel.
func (ch *Channel) InvokeOneWay(method string, args []any) {
	ch.ctx.enqueue(bridge.Invocation{Method: method, Args: args})
}
