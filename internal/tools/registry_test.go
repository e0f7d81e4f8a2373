// SPDX-License-Identifier: AGPL-3.0-or-later

package tools_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bartekus/skillflow/internal/tools"
	"github.com/bartekus/skillflow/internal/workflow"
)

func echo(name string) tools.Tool {
	return tools.NewFunc(name, func(_ context.Context, params workflow.Context) (workflow.Value, error) {
		return workflow.String(name + ":" + params["x"].Text()), nil
	})
}

func TestRegistry_InvokeAndNames(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echo("b"), echo("a")))

	assert.Equal(t, []string{"a", "b"}, reg.Names())

	got, err := reg.Invoke(context.Background(), "a", workflow.Context{"x": workflow.String("1")})
	require.NoError(t, err)
	assert.Equal(t, "a:1", got.Text())
}

func TestRegistry_ReplacesByName(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(echo("a")))
	require.NoError(t, reg.Register(tools.NewFunc("a", func(context.Context, workflow.Context) (workflow.Value, error) {
		return workflow.Number(2), nil
	})))

	got, err := reg.Invoke(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(workflow.Number(2)))
	assert.Len(t, reg.Names(), 1)
}

func TestRegistry_Errors(t *testing.T) {
	reg := tools.NewRegistry()

	_, err := reg.Invoke(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, workflow.ErrUnknownTool)

	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(echo("")))
	assert.Empty(t, reg.Names())

	require.NoError(t, reg.Register(echo("a")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = reg.Invoke(ctx, "a", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
