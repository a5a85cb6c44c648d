package autodiff

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarSquaredErrorGradients(t *testing.T) {
	ctx := NewTapeContext()

	// pred = 3*2 + 1 = 7, e = 4, loss = 16, dW = 2*e*x = 24, db = 2*e = 8
	res, err := ctx.Gradients(func(g *Graph, v []*Node) (*Node, error) {
		x := g.Input("x", 3)
		pred, err := g.Linear(x, v[0], v[1])
		if err != nil {
			return nil, err
		}
		return g.SquaredError(pred, x)
	}, Variable{Name: "W", Value: 2}, Variable{Name: "b", Value: 1})
	require.NoError(t, err)

	assert.InDelta(t, 16, res.Loss, 1e-5)
	require.Len(t, res.Gradients, 2)
	assert.InDelta(t, 24, res.Gradients[0], 1e-5)
	assert.InDelta(t, 8, res.Gradients[1], 1e-5)
}

func TestBatchMeanSquaredErrorGradients(t *testing.T) {
	ctx := NewTapeContext()

	// W = 0, b = 0: e = -x, loss = mean(x^2) = 2.5, dW = mean(-2x^2) = -5, db = mean(-2x) = -3
	res, err := ctx.Gradients(func(g *Graph, v []*Node) (*Node, error) {
		x := g.Inputs("samples", []float32{1, 2})
		pred, err := g.Linear(x, v[0], v[1])
		if err != nil {
			return nil, err
		}
		return g.MeanSquaredError(pred, x)
	}, Variable{Name: "W", Value: 0}, Variable{Name: "b", Value: 0})
	require.NoError(t, err)

	assert.InDelta(t, 2.5, res.Loss, 1e-5)
	assert.InDelta(t, -5, res.Gradients[0], 1e-5)
	assert.InDelta(t, -3, res.Gradients[1], 1e-5)
}

func TestGradientsPropagatesLossError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewTapeContext().Gradients(func(g *Graph, v []*Node) (*Node, error) {
		return nil, boom
	}, Variable{Name: "W", Value: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestGradientsRequiresVariables(t *testing.T) {
	_, err := NewTapeContext().Gradients(func(g *Graph, v []*Node) (*Node, error) {
		return g.Input("x", 1), nil
	})
	require.Error(t, err)
}

func TestInitIsIdempotent(t *testing.T) {
	Init(Options{})
	assert.False(t, Init(Options{Trace: true}))
}
