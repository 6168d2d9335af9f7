package summary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRunOnceExecutesEveryPluginInOrder(t *testing.T) {
	var order []string
	plugins := []Plugin{
		NewPluginFunc("a", func(ctx context.Context) error { order = append(order, "a"); return nil }),
		NewPluginFunc("b", func(ctx context.Context) error { order = append(order, "b"); return nil }),
	}
	l := NewLoop(time.Minute, plugins, nil, nil, zerolog.Nop())
	l.runOnce(context.Background())

	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRunOnceContinuesAfterPluginError(t *testing.T) {
	var ran bool
	plugins := []Plugin{
		NewPluginFunc("failing", func(ctx context.Context) error { return errors.New("boom") }),
		NewPluginFunc("after", func(ctx context.Context) error { ran = true; return nil }),
	}
	l := NewLoop(time.Minute, plugins, nil, nil, zerolog.Nop())
	l.runOnce(context.Background())

	assert.True(t, ran)
}

func TestRunOnceRecoversPanickingPlugin(t *testing.T) {
	var ran bool
	plugins := []Plugin{
		NewPluginFunc("panics", func(ctx context.Context) error { panic("boom") }),
		NewPluginFunc("after", func(ctx context.Context) error { ran = true; return nil }),
	}
	l := NewLoop(time.Minute, plugins, nil, nil, zerolog.Nop())
	l.runOnce(context.Background())

	assert.True(t, ran)
}
