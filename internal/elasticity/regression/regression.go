// Package regression provides least-squares estimators with
// heteroskedasticity-robust (HC3) standard errors.
package regression

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a design matrix has no stable least-squares
// solution: fewer rows than columns, collinear columns or an ill-conditioned X'X.
var ErrSingular = errors.New("design matrix is singular")

// maxCondition bounds the condition number of X'X before it is treated as singular.
const maxCondition = 1e12

// maxF caps reported F statistics so they stay finite when a first stage fits exactly.
const maxF = 1e6

// Fit is an ordinary least-squares result.
type Fit struct {
	Coef   []float64
	StdErr []float64 // HC3
	Resid  []float64
	RSS    float64
	R2     float64
	N      int
	K      int
}

// IVFit is a two-stage least-squares result. The endogenous regressor is the
// last coefficient.
type IVFit struct {
	Fit
	FirstStageF float64 // partial F of the excluded instruments
	FirstStage  *Fit
}

// Endogenous returns the coefficient and HC3 standard error of the endogenous regressor.
func (f *IVFit) Endogenous() (coef, stdErr float64) {
	return f.Coef[f.K-1], f.StdErr[f.K-1]
}

// design is a factorized X'X for one design matrix.
type design struct {
	x    *mat.Dense
	chol mat.Cholesky
	inv  mat.SymDense
	n, k int
}

func newDesign(x *mat.Dense) (*design, error) {
	n, k := x.Dims()
	if n <= k {
		return nil, fmt.Errorf("%w: %d rows for %d columns", ErrSingular, n, k)
	}
	d := &design{x: x, n: n, k: k}

	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())
	if ok := d.chol.Factorize(&xtx); !ok {
		return nil, fmt.Errorf("%w: X'X is not positive definite", ErrSingular)
	}
	if c := d.chol.Cond(); c > maxCondition || math.IsNaN(c) {
		return nil, fmt.Errorf("%w: condition number %.3g", ErrSingular, c)
	}
	if err := d.chol.InverseTo(&d.inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return d, nil
}

func (d *design) solve(y []float64) ([]float64, error) {
	var xty, beta mat.VecDense
	xty.MulVec(d.x.T(), mat.NewVecDense(len(y), y))
	if err := d.chol.SolveVecTo(&beta, &xty); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return mat.Col(nil, 0, &beta), nil
}

// hc3 returns HC3 standard errors for this design with the given residuals:
// (X'X)^-1 X' diag(e_i^2 / (1-h_i)^2) X (X'X)^-1.
func (d *design) hc3(resid []float64) ([]float64, error) {
	weighted := mat.NewDense(d.n, d.k, nil)
	for i := 0; i < d.n; i++ {
		row := mat.NewVecDense(d.k, d.x.RawRowView(i))
		h := mat.Inner(row, &d.inv, row)
		if 1-h < 1e-10 {
			return nil, fmt.Errorf("%w: leverage of row %d is %.6f", ErrSingular, i, h)
		}
		s := math.Abs(resid[i]) / (1 - h)
		for j := 0; j < d.k; j++ {
			weighted.Set(i, j, s*d.x.At(i, j))
		}
	}

	var meat mat.SymDense
	meat.SymOuterK(1, weighted.T())

	var tmp, cov mat.Dense
	tmp.Mul(&d.inv, &meat)
	cov.Mul(&tmp, &d.inv)

	se := make([]float64, d.k)
	for j := range se {
		se[j] = math.Sqrt(math.Max(cov.At(j, j), 0))
	}
	return se, nil
}

// OLS regresses y on the columns of x. Include a column of ones for an intercept.
func OLS(y []float64, x *mat.Dense) (*Fit, error) {
	if n, _ := x.Dims(); n != len(y) {
		return nil, fmt.Errorf("regression: %d responses for %d rows", len(y), n)
	}
	d, err := newDesign(x)
	if err != nil {
		return nil, err
	}
	coef, err := d.solve(y)
	if err != nil {
		return nil, err
	}
	resid := residuals(y, x, coef)
	se, err := d.hc3(resid)
	if err != nil {
		return nil, err
	}
	return newFit(y, coef, se, resid, d.k), nil
}

// TwoStageLS estimates y = [exog, endog]·b by two-stage least squares with
// the given excluded instruments. exog must include the intercept column.
//
// The first stage regresses endog on [exog, instruments]; FirstStageF tests
// the excluded instruments against the exog-only regression. The second stage
// regresses y on [exog, fitted endog]. Residuals, R² and HC3 errors use the
// observed endog, not the fitted one.
func TwoStageLS(y, endog []float64, exog, instruments *mat.Dense) (*IVFit, error) {
	n, kx := exog.Dims()
	ni, q := instruments.Dims()
	if n != len(y) || n != len(endog) || n != ni {
		return nil, fmt.Errorf("regression: mismatched rows y=%d endog=%d exog=%d instruments=%d", len(y), len(endog), n, ni)
	}

	z := hcat(exog, instruments)
	first, err := OLS(endog, z)
	if err != nil {
		return nil, fmt.Errorf("first stage: %w", err)
	}
	restricted, err := OLS(endog, exog)
	if err != nil {
		return nil, fmt.Errorf("restricted first stage: %w", err)
	}

	f := maxF
	if dfResid := float64(n - kx - q); first.RSS > 1e-12 {
		f = math.Min(maxF, ((restricted.RSS-first.RSS)/float64(q))/(first.RSS/dfResid))
	}

	fitted := make([]float64, n)
	for i := range fitted {
		fitted[i] = endog[i] - first.Resid[i]
	}
	xhat := hcat(exog, column(fitted))
	d, err := newDesign(xhat)
	if err != nil {
		return nil, fmt.Errorf("second stage: %w", err)
	}
	coef, err := d.solve(y)
	if err != nil {
		return nil, fmt.Errorf("second stage: %w", err)
	}

	resid := residuals(y, hcat(exog, column(endog)), coef)
	se, err := d.hc3(resid)
	if err != nil {
		return nil, fmt.Errorf("second stage: %w", err)
	}

	return &IVFit{
		Fit:         *newFit(y, coef, se, resid, kx+1),
		FirstStageF: math.Max(f, 0),
		FirstStage:  first,
	}, nil
}

func newFit(y, coef, se, resid []float64, k int) *Fit {
	mean := 0.0
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))

	var rss, tss float64
	for i, v := range y {
		rss += resid[i] * resid[i]
		tss += (v - mean) * (v - mean)
	}
	r2 := 0.0
	if tss > 0 {
		r2 = math.Max(0, 1-rss/tss)
	}
	return &Fit{Coef: coef, StdErr: se, Resid: resid, RSS: rss, R2: r2, N: len(y), K: k}
}

func residuals(y []float64, x *mat.Dense, coef []float64) []float64 {
	var pred mat.VecDense
	pred.MulVec(x, mat.NewVecDense(len(coef), coef))
	out := make([]float64, len(y))
	for i := range y {
		out[i] = y[i] - pred.AtVec(i)
	}
	return out
}

func column(v []float64) *mat.Dense {
	return mat.NewDense(len(v), 1, v)
}

func hcat(a, b *mat.Dense) *mat.Dense {
	n, ka := a.Dims()
	_, kb := b.Dims()
	out := mat.NewDense(n, ka+kb, nil)
	out.Slice(0, n, 0, ka).(*mat.Dense).Copy(a)
	out.Slice(0, n, ka, ka+kb).(*mat.Dense).Copy(b)
	return out
}
