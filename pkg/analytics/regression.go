// pkg/analytics/regression.go
package analytics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Regressor is a linear model fitted on a feature matrix
type Regressor interface {
	Fit(x *mat.Dense, y []float64) error
	Predict(x *mat.Dense) []float64
	Coefficients() []float64
}

// Candidate names a regression model and builds fresh, unfitted instances
type Candidate struct {
	Name string
	New  func() Regressor
}

// DefaultCandidates are the models compared for the CLTV target
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Name: "Linear Regression", New: func() Regressor { return &OLS{} }},
		{Name: "Ridge", New: func() Regressor { return &Ridge{Alpha: 1} }},
		{Name: "Lasso", New: func() Regressor { return &Lasso{Alpha: 1, MaxIter: 1000, Tol: 1e-4} }},
	}
}

// linear holds fitted weights and the intercept
type linear struct {
	coef      []float64
	intercept float64
}

func (l *linear) Predict(x *mat.Dense) []float64 {
	r, _ := x.Dims()
	out := make([]float64, r)
	for i := range out {
		out[i] = floats.Dot(x.RawRowView(i), l.coef) + l.intercept
	}
	return out
}

func (l *linear) Coefficients() []float64 {
	return append([]float64(nil), l.coef...)
}

// setIntercept derives the intercept from the column and target means
func (l *linear) setIntercept(xMean []float64, yMean float64) {
	l.intercept = yMean - floats.Dot(xMean, l.coef)
}

// OLS is ordinary least squares. Rank deficient designs get the minimum norm solution.
type OLS struct {
	linear
}

// Fit implements Regressor
func (m *OLS) Fit(x *mat.Dense, y []float64) error {
	xc, xMean, yc, yMean := center(x, y)
	r, c := xc.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(xc, mat.SVDThin); !ok {
		return errors.New("failed to factorize design matrix")
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 0.0
	if len(values) > 0 {
		cutoff = floats.Max(values) * float64(max(r, c)) * 2.220446049250313e-16
	}

	// coef = V * diag(1/s) * U^T * y over the singular values above cutoff
	var uty mat.VecDense
	uty.MulVec(u.T(), mat.NewVecDense(r, yc))
	for i, s := range values {
		if s > cutoff {
			uty.SetVec(i, uty.AtVec(i)/s)
		} else {
			uty.SetVec(i, 0)
		}
	}
	var coef mat.VecDense
	coef.MulVec(&v, &uty)

	m.coef = append([]float64(nil), coef.RawVector().Data...)
	m.setIntercept(xMean, yMean)
	return nil
}

// Ridge is least squares with an L2 penalty Alpha on the weights
type Ridge struct {
	linear
	Alpha float64
}

// Fit implements Regressor
func (m *Ridge) Fit(x *mat.Dense, y []float64) error {
	xc, xMean, yc, yMean := center(x, y)
	r, c := xc.Dims()

	var gram mat.SymDense
	gram.SymOuterK(1, xc.T())
	for j := 0; j < c; j++ {
		gram.SetSym(j, j, gram.At(j, j)+m.Alpha)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return fmt.Errorf("ridge system is not positive definite (alpha=%g)", m.Alpha)
	}
	var xty, coef mat.VecDense
	xty.MulVec(xc.T(), mat.NewVecDense(r, yc))
	if err := chol.SolveVecTo(&coef, &xty); err != nil {
		return fmt.Errorf("failed to solve ridge system: %w", err)
	}

	m.coef = append([]float64(nil), coef.RawVector().Data...)
	m.setIntercept(xMean, yMean)
	return nil
}

// Lasso minimizes (1/2n)||y - Xw||^2 + Alpha*||w||_1 by cyclic coordinate descent
type Lasso struct {
	linear
	Alpha   float64
	MaxIter int
	Tol     float64
}

// Fit implements Regressor
func (m *Lasso) Fit(x *mat.Dense, y []float64) error {
	xc, xMean, yc, yMean := center(x, y)
	r, c := xc.Dims()

	cols := make([][]float64, c)
	norms := make([]float64, c)
	for j := range cols {
		cols[j] = mat.Col(nil, j, xc)
		norms[j] = floats.Dot(cols[j], cols[j])
	}

	coef := make([]float64, c)
	residual := append([]float64(nil), yc...)
	threshold := m.Alpha * float64(r)

	for iter := 0; iter < m.MaxIter; iter++ {
		maxDelta, maxCoef := 0.0, 0.0
		for j := range coef {
			if norms[j] == 0 {
				continue
			}
			old := coef[j]
			rho := floats.Dot(cols[j], residual) + old*norms[j]
			coef[j] = softThreshold(rho, threshold) / norms[j]
			if delta := coef[j] - old; delta != 0 {
				floats.AddScaled(residual, -delta, cols[j])
				maxDelta = math.Max(maxDelta, math.Abs(delta))
			}
			maxCoef = math.Max(maxCoef, math.Abs(coef[j]))
		}
		if maxCoef == 0 || maxDelta <= m.Tol*maxCoef {
			break
		}
	}

	m.coef = coef
	m.setIntercept(xMean, yMean)
	return nil
}

func softThreshold(v, t float64) float64 {
	switch {
	case v > t:
		return v - t
	case v < -t:
		return v + t
	default:
		return 0
	}
}

// center subtracts column means from x and the mean from y
func center(x *mat.Dense, y []float64) (*mat.Dense, []float64, []float64, float64) {
	r, c := x.Dims()
	xMean := make([]float64, c)
	for j := range xMean {
		xMean[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}
	xc := mat.NewDense(r, c, nil)
	xc.Apply(func(_, j int, v float64) float64 { return v - xMean[j] }, x)

	yMean := stat.Mean(y, nil)
	yc := make([]float64, len(y))
	for i, v := range y {
		yc[i] = v - yMean
	}
	return xc, xMean, yc, yMean
}

// Scaler standardizes columns to zero mean and unit population variance.
// Constant columns are only centered.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// FitScaler learns column means and deviations from x
func FitScaler(x *mat.Dense) *Scaler {
	_, c := x.Dims()
	s := &Scaler{Mean: make([]float64, c), Scale: make([]float64, c)}
	for j := 0; j < c; j++ {
		mean, std := stat.PopMeanStdDev(mat.Col(nil, j, x), nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j], s.Scale[j] = mean, std
	}
	return s
}

// Transform returns a standardized copy of x
func (s *Scaler) Transform(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, j int, v float64) float64 { return (v - s.Mean[j]) / s.Scale[j] }, x)
	return out
}

// Metrics are the held-out scores of one model
type Metrics struct {
	R2   float64
	MAE  float64
	RMSE float64
	MAPE float64
}

// Evaluate scores predictions. MAPE divides by actual+1 so zero targets stay finite.
func Evaluate(actual, predicted []float64) Metrics {
	n := float64(len(actual))
	if n == 0 {
		return Metrics{}
	}
	mean := stat.Mean(actual, nil)

	var absSum, sqSum, pctSum, totSum float64
	for i, a := range actual {
		e := a - predicted[i]
		absSum += math.Abs(e)
		sqSum += e * e
		pctSum += math.Abs(e / (a + 1))
		totSum += (a - mean) * (a - mean)
	}

	r2 := 0.0
	switch {
	case totSum != 0:
		r2 = 1 - sqSum/totSum
	case sqSum == 0:
		r2 = 1
	}
	return Metrics{
		R2:   r2,
		MAE:  absSum / n,
		RMSE: math.Sqrt(sqSum / n),
		MAPE: pctSum / n * 100,
	}
}

// CrossValMAE fits fresh instances of c on k contiguous folds of x and
// returns the mean held-out absolute error
func CrossValMAE(c Candidate, x *mat.Dense, y []float64, k int) (float64, error) {
	n := len(y)
	if k < 2 || n < k {
		return 0, fmt.Errorf("%d rows cannot be split into %d folds", n, k)
	}

	var total float64
	start := 0
	for fold := 0; fold < k; fold++ {
		size := n / k
		if fold < n%k {
			size++
		}
		test := make([]int, 0, size)
		train := make([]int, 0, n-size)
		for i := 0; i < n; i++ {
			if i >= start && i < start+size {
				test = append(test, i)
			} else {
				train = append(train, i)
			}
		}
		start += size

		m := c.New()
		if err := m.Fit(selectRows(x, train), pick(y, train)); err != nil {
			return 0, fmt.Errorf("fold %d: %w", fold+1, err)
		}
		total += Evaluate(pick(y, test), m.Predict(selectRows(x, test))).MAE
	}
	return total / float64(k), nil
}

func selectRows(x *mat.Dense, idx []int) *mat.Dense {
	_, c := x.Dims()
	out := mat.NewDense(len(idx), c, nil)
	for i, src := range idx {
		out.SetRow(i, x.RawRowView(src))
	}
	return out
}

func pick(v []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, src := range idx {
		out[i] = v[src]
	}
	return out
}
