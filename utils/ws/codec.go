package ws

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/relayvoice/relayvoice/utils/json"
)

// Codec holds the codec states for Websocket implementations to share with the
// manager.
type Codec struct {
	Unmarshalers OpUnmarshalers
	Headers      http.Header
}

// NewCodec creates a new default Codec instance.
func NewCodec(unmarshalers OpUnmarshalers) Codec {
	return Codec{
		Unmarshalers: unmarshalers,
		Headers:      http.Header{},
	}
}

type codecOp struct {
	Op
	Data json.Raw `json:"d,omitempty"`
}

// DecodeInto reads a single JSON payload from r and decodes it into the Op out
// channel. Decoding failures are sent as BackgroundErrorEvents; only a
// cancelled context is returned as an error.
func (c Codec) DecodeInto(ctx context.Context, r io.Reader, out chan<- Op) error {
	var op codecOp

	if err := json.DecodeStream(r, &op); err != nil {
		return send(ctx, out, newErrOp(err, "cannot read JSON stream"))
	}

	fn := c.Unmarshalers.Lookup(op.Code, op.Type)
	if fn == nil {
		return send(ctx, out, newErrOp(UnknownEventError{op.Code, op.Type}, ""))
	}

	op.Op.Data = fn()
	if len(op.Data) > 0 {
		if err := json.Unmarshal(op.Data, op.Op.Data); err != nil {
			return send(ctx, out, newErrOp(err, "cannot unmarshal JSON data from gateway"))
		}
	}

	return send(ctx, out, op.Op)
}

func send(ctx context.Context, ch chan<- Op, op Op) error {
	select {
	case ch <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newErrOp(err error, wrap string) Op {
	if wrap != "" {
		err = errors.Wrap(err, wrap)
	}

	ev := &BackgroundErrorEvent{Err: err}

	return Op{
		Code: ev.Op(),
		Type: ev.EventType(),
		Data: ev,
	}
}
