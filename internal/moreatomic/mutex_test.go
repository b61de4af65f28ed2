package moreatomic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtxMutex(t *testing.T) {
	m := NewCtxMutex()
	require.NoError(t, m.Lock(context.Background()))
	assert.False(t, m.TryLock())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Lock(ctx), context.DeadlineExceeded)

	m.Unlock()
	assert.True(t, m.TryLock())
	m.Unlock()

	assert.Panics(t, m.Unlock)
}
