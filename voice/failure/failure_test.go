package failure

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIs(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := errors.Wrap(Wrap(Signaling, ReconnectExhausted, base, "gateway"), "session")

	assert.True(t, Is(err, ReconnectExhausted))
	assert.False(t, Is(err, AuthTimeout))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ReconnectExhausted, ReasonOf(err))
	assert.Equal(t, Reason(""), ReasonOf(base))
}

func TestStreamFailure(t *testing.T) {
	err := StreamFailure(OriginEncoder, errors.New("broken pipe"))
	assert.Equal(t, Stream, err.Kind)
	assert.Equal(t, OriginEncoder, err.Origin)
	assert.Equal(t, "stream STREAM_ERROR (encoder): broken pipe", err.Error())

	// Already labeled errors keep their origin.
	assert.Same(t, err, StreamFailure(OriginRelay, errors.Wrap(err, "dispatch")))
}

func TestWrapNil(t *testing.T) {
	err := Wrap(Auth, AuthTimeout, nil, "no voice server update")
	assert.Equal(t, "auth AUTH_TIMEOUT: no voice server update", err.Error())
}
