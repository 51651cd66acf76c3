package forecast

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Polynomial fits AQI against day offset with ordinary least squares.
// Offsets are standardized before fitting; the stored state evaluates on the same scale.
type Polynomial struct {
	Degree int
}

// PolyState holds y = sum(Coef[i] * z^i) where z = (offset - Center) / Scale.
type PolyState struct {
	Degree int       `json:"degree"`
	Center float64   `json:"center"`
	Scale  float64   `json:"scale"`
	Coef   []float64 `json:"coef"`
}

func (p Polynomial) Name() string {
	return StrategyPolynomial
}

// MinPoints is two for any degree: with fewer distinct offsets than Degree+1 the degree is reduced.
func (p Polynomial) MinPoints() int {
	return 2
}

func (p Polynomial) Fit(points []Point) (*Model, error) {
	n := len(points)
	if n < p.MinPoints() {
		return nil, &InsufficientDataError{Valid: n, Need: p.MinPoints()}
	}
	degree := p.Degree
	if degree < 1 {
		degree = 2
	}
	if degree > n-1 {
		degree = n - 1
	}

	origin := points[0].Date
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, pt := range points {
		xs[i] = float64(DayOffset(origin, pt.Date))
		ys[i] = pt.AQI
	}
	center, scale := stat.MeanStdDev(xs, nil)
	if scale == 0 || math.IsNaN(scale) {
		scale = 1
	}

	a := mat.NewDense(n, degree+1, nil)
	for i, x := range xs {
		z := (x - center) / scale
		pow := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, pow)
			pow *= z
		}
	}
	var coef mat.VecDense
	if err := coef.SolveVec(a, mat.NewVecDense(n, ys)); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("polynomial least squares: %w", err)
		}
	}

	state := &PolyState{Degree: degree, Center: center, Scale: scale, Coef: make([]float64, degree+1)}
	for j := range state.Coef {
		c := coef.AtVec(j)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("polynomial least squares: non-finite coefficient")
		}
		state.Coef[j] = c
	}
	return &Model{
		Strategy: StrategyPolynomial,
		Origin:   origin,
		LastDate: points[n-1].Date,
		Samples:  n,
		Poly:     state,
	}, nil
}

func (s *PolyState) valueAt(x float64) float64 {
	z := (x - s.Center) / s.Scale
	y := 0.0
	for j := len(s.Coef) - 1; j >= 0; j-- {
		y = y*z + s.Coef[j]
	}
	return y
}
