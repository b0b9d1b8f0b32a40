package reqctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApp struct{ name string }

func (a fakeApp) Name() string { return a.name }

func TestRunMakesValueObservableAcrossSuspensionPoints(t *testing.T) {
	v := &Value{App: fakeApp{"demo"}, RequestID: "r1"}
	var observedInNested *Value
	err := Run(context.Background(), v, func(ctx context.Context) error {
		return nestedAsyncWork(ctx, &observedInNested)
	})
	require.NoError(t, err)
	require.NotNil(t, observedInNested)
	assert.Equal(t, "demo", observedInNested.App.Name())
}

// nestedAsyncWork stands in for script code that spawns further async
// work; Get must still resolve the same Value deep in the call chain.
func nestedAsyncWork(ctx context.Context, out **Value) error {
	*out = Get(ctx)
	return nil
}

func TestGetWithoutRunReturnsNil(t *testing.T) {
	assert.Nil(t, Get(context.Background()))
}

func TestNestedRunShadows(t *testing.T) {
	outer := &Value{RequestID: "outer"}
	inner := &Value{RequestID: "inner"}
	err := Run(context.Background(), outer, func(ctx context.Context) error {
		return Run(ctx, inner, func(ctx2 context.Context) error {
			assert.Equal(t, "inner", Get(ctx2).RequestID)
			return nil
		})
	})
	require.NoError(t, err)
}
