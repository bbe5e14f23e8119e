package compliance

import (
	"context"

	"lavish-rpc/transport"
)

// Client is the typed caller side of the schema.
type Client struct {
	h Handle
}

func NewClient(h Handle) *Client {
	return &Client{h: h}
}

// Double asks the peer for x*2.
func (c *Client) Double(ctx context.Context, x int64) (int64, error) {
	res, err := transport.Call(ctx, c.h, Params(DoubleParams{X: x}), transport.Downgrade[DoubleResults, Results])
	return res.X, err
}

// Log sends a log notification.
func (c *Client) Log(ctx context.Context, msg string) error {
	return c.h.Notify(ctx, LogParams{Message: msg})
}

// Identity sends x to the identity call of its type and returns the echo.
func Identity[T Value](ctx context.Context, c *Client, x T) (T, error) {
	res, err := transport.Call(ctx, c.h, Params(IdentityParams[T]{X: x}), transport.Downgrade[IdentityResults[T], Results])
	return res.X, err
}
