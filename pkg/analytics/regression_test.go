package analytics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// linearData returns y = 3 + 2*x1 - x2 over a design without collinearity
func linearData() (*mat.Dense, []float64) {
	x := mat.NewDense(8, 2, []float64{
		1, 5,
		2, 3,
		3, 8,
		4, 1,
		5, 7,
		6, 2,
		7, 9,
		8, 4,
	})
	y := make([]float64, 8)
	for i := range y {
		y[i] = 3 + 2*x.At(i, 0) - x.At(i, 1)
	}
	return x, y
}

func TestOLSRecoversExactFit(t *testing.T) {
	x, y := linearData()
	m := &OLS{}
	require.NoError(t, m.Fit(x, y))

	coef := m.Coefficients()
	assert.InDelta(t, 2, coef[0], 1e-9)
	assert.InDelta(t, -1, coef[1], 1e-9)
	assert.InDeltaSlice(t, y, m.Predict(x), 1e-9)
}

func TestOLSHandlesCollinearColumns(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{1, 2, 2, 4, 3, 6, 4, 8})
	y := []float64{2, 4, 6, 8}
	m := &OLS{}
	require.NoError(t, m.Fit(x, y))
	assert.InDeltaSlice(t, y, m.Predict(x), 1e-9)
}

func TestRidgeShrinksCoefficients(t *testing.T) {
	x, y := linearData()
	ols := &OLS{}
	require.NoError(t, ols.Fit(x, y))
	ridge := &Ridge{Alpha: 10}
	require.NoError(t, ridge.Fit(x, y))

	assert.Less(t, floats.Norm(ridge.Coefficients(), 2), floats.Norm(ols.Coefficients(), 2))
}

func TestLassoDropsWeakFeature(t *testing.T) {
	x := mat.NewDense(8, 2, nil)
	y := make([]float64, 8)
	for i := 0; i < 8; i++ {
		alt := 1.0
		if i%2 == 1 {
			alt = -1
		}
		x.Set(i, 0, float64(i+1))
		x.Set(i, 1, alt)
		y[i] = 10*float64(i+1) + 0.01*alt
	}

	m := &Lasso{Alpha: 1, MaxIter: 1000, Tol: 1e-4}
	require.NoError(t, m.Fit(x, y))
	coef := m.Coefficients()
	assert.Greater(t, coef[0], 9.0)
	assert.Equal(t, 0.0, coef[1])
}

func TestScalerStandardizesColumns(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{1, 7, 2, 7, 3, 7, 4, 7})
	s := FitScaler(x)
	assert.Equal(t, []float64{2.5, 7}, s.Mean)
	assert.Equal(t, 1.0, s.Scale[1])

	out := s.Transform(x)
	col := mat.Col(nil, 0, out)
	assert.InDelta(t, 0, floats.Sum(col), 1e-12)
	assert.InDelta(t, 4, floats.Dot(col, col), 1e-12)
	assert.Equal(t, []float64{0, 0, 0, 0}, mat.Col(nil, 1, out))
}

func TestEvaluate(t *testing.T) {
	perfect := Evaluate([]float64{1, 2, 3}, []float64{1, 2, 3})
	assert.Equal(t, Metrics{R2: 1}, perfect)

	m := Evaluate([]float64{1, 2, 3}, []float64{2, 2, 2})
	assert.InDelta(t, 0, m.R2, 1e-12)
	assert.InDelta(t, 2.0/3, m.MAE, 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3), m.RMSE, 1e-12)
	assert.InDelta(t, 25, m.MAPE, 1e-9)

	assert.Equal(t, Metrics{}, Evaluate(nil, nil))
}

func TestCrossValMAE(t *testing.T) {
	x, y := linearData()
	candidate := Candidate{Name: "ols", New: func() Regressor { return &OLS{} }}

	mae, err := CrossValMAE(candidate, x, y, 4)
	require.NoError(t, err)
	assert.InDelta(t, 0, mae, 1e-9)

	_, err = CrossValMAE(candidate, x, y, 9)
	assert.Error(t, err)
	_, err = CrossValMAE(candidate, x, y, 1)
	assert.Error(t, err)
}
