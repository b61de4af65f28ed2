package ws

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type speakingEvent struct {
	SSRC     uint32 `json:"ssrc"`
	Speaking int    `json:"speaking"`
}

func (*speakingEvent) Op() OpCode           { return 5 }
func (*speakingEvent) EventType() EventType { return "" }

func decode(t *testing.T, payload string) Op {
	t.Helper()

	codec := NewCodec(NewOpUnmarshalers(func() Event { return new(speakingEvent) }))

	out := make(chan Op, 1)
	require.NoError(t, codec.DecodeInto(context.Background(), strings.NewReader(payload), out))

	return <-out
}

func TestCodecDecode(t *testing.T) {
	op := decode(t, `{"op":5,"seq":12,"d":{"ssrc":42,"speaking":1}}`)

	assert.Equal(t, OpCode(5), op.Code)
	assert.Equal(t, int64(12), op.Sequence)
	assert.Equal(t, &speakingEvent{SSRC: 42, Speaking: 1}, op.Data)
}

func TestCodecDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		unknown bool
	}{
		{"unknown op", `{"op":99,"d":{}}`, true},
		{"malformed stream", `{"op":`, false},
		{"malformed data", `{"op":5,"d":{"ssrc":"42"}}`, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			op := decode(t, test.payload)

			bg, ok := op.Data.(*BackgroundErrorEvent)
			require.True(t, ok, "expected background error, got %T", op.Data)
			assert.Equal(t, bg.Op(), op.Code)
			assert.Equal(t, test.unknown, IsUnknownEvent(bg))
		})
	}
}

func TestCodecDecodeCancelled(t *testing.T) {
	codec := NewCodec(NewOpUnmarshalers())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := codec.DecodeInto(ctx, strings.NewReader(`{"op":1}`), make(chan Op))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLinearBackoff(t *testing.T) {
	delay := LinearBackoff(time.Second, 2*time.Second)

	assert.Equal(t, time.Second, delay(0))
	assert.Equal(t, 3*time.Second, delay(1))
	assert.Equal(t, 9*time.Second, delay(4))
}

func TestErrorIsFatalClose(t *testing.T) {
	opts := GatewayOpts{FatalCloseCodes: []int{4004, 4014}}

	assert.True(t, opts.ErrorIsFatalClose(&CloseEvent{Code: 4004}))
	assert.True(t, opts.ErrorIsFatalClose(errors.Wrap(&CloseEvent{Code: 4014}, "voice gateway")))
	assert.False(t, opts.ErrorIsFatalClose(&CloseEvent{Code: 4015}))
	assert.False(t, opts.ErrorIsFatalClose(errors.New("not a close")))
}

func TestReadOp(t *testing.T) {
	ch := make(chan Op, 1)
	ch <- Op{Code: 8}

	op, err := ReadOp(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, OpCode(8), op.Code)

	close(ch)

	_, err = ReadOp(context.Background(), ch)
	assert.ErrorIs(t, err, ErrWebsocketClosed)
}
