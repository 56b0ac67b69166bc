package resource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Reserve(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})
	assert.Equal(t, int64(100), c.MemoryLimit())

	a, err := c.Reserve(50)
	require.NoError(t, err)
	b, err := c.Reserve(40)
	require.NoError(t, err)
	assert.Equal(t, int64(90), c.MemoryUsage())

	_, err = c.Reserve(20)
	assert.ErrorIs(t, err, ErrMemoryLimitExceeded)
	assert.Equal(t, int64(90), c.MemoryUsage())

	a.Release()
	a.Release()
	assert.Equal(t, int64(40), c.MemoryUsage())

	_, err = c.Reserve(60)
	require.NoError(t, err)
	b.Release()
	assert.Equal(t, int64(60), c.MemoryUsage())
}

func TestController_UnlimitedMemory(t *testing.T) {
	c := NewController(Config{})

	r, err := c.Reserve(1 << 40)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40), c.MemoryUsage())
	assert.Equal(t, int64(1<<40), r.Bytes())
	r.Release()
	assert.Zero(t, c.MemoryUsage())

	r, err = c.Reserve(0)
	require.NoError(t, err)
	r.Release()
	assert.Zero(t, r.Bytes())
}

func TestController_Background(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 1})
	ctx := context.Background()

	done, err := c.BeginBackground(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.BeginBackground(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done()
	done()
	done2, err := c.BeginBackground(ctx)
	require.NoError(t, err)
	done2()
}

func TestController_NilIsNoop(t *testing.T) {
	var c *Controller

	r, err := c.Reserve(5)
	require.NoError(t, err)
	r.Release()
	assert.Zero(t, c.MemoryUsage())
	assert.Zero(t, c.MemoryLimit())

	done, err := c.BeginBackground(context.Background())
	require.NoError(t, err)
	done()

	var buf bytes.Buffer
	assert.Same(t, &buf, c.Writer(context.Background(), &buf))
}

func TestController_Writer(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	var buf bytes.Buffer

	w := c.Writer(context.Background(), &buf)
	n, err := w.Write([]byte("segment"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "segment", buf.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w = NewController(Config{IOLimitBytesPerSec: 1}).Writer(ctx, &buf)
	_, err = w.Write([]byte("xx"))
	assert.Error(t, err)
}
