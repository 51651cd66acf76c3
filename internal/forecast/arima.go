package forecast

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ARIMA fits an autoregressive integrated moving average model on the daily-resampled series.
// Coefficients are estimated with the Hannan-Rissanen two-stage regression: a long
// autoregression supplies innovation estimates, then AR and MA terms are regressed jointly.
// Only D of 0 (with mean) or 1 is supported. The zero value means ARIMA(2,1,2).
// Series too short for the configured order are fitted with fewer AR and MA terms,
// down to a random walk with drift at two points.
type ARIMA struct {
	P, D, Q int
}

// ARIMAState is the fitted recursion state needed to extend the series.
type ARIMAState struct {
	P         int       `json:"p"`
	D         int       `json:"d"`
	Q         int       `json:"q"`
	AR        []float64 `json:"ar"`
	MA        []float64 `json:"ma"`
	Mean      float64   `json:"mean,omitempty"`
	Drift     float64   `json:"drift,omitempty"`
	Diffs     []float64 `json:"diffs"`
	Residuals []float64 `json:"residuals"`
	Level     float64   `json:"level"`
	// Reduced is set when P and Q are lower than the configured order.
	Reduced bool `json:"reduced,omitempty"`
}

func (a ARIMA) order() (p, d, q int) {
	if a.P == 0 && a.D == 0 && a.Q == 0 {
		return 2, 1, 2
	}
	return a.P, a.D, a.Q
}

func (a ARIMA) Name() string {
	return StrategyARIMA
}

// MinPoints is two for any order: series too short for the configured order fit a reduced one.
func (a ARIMA) MinPoints() int {
	return 2
}

// orderPoints is the shortest daily series both regression stages can be solved on.
func orderPoints(p, d, q int) int {
	if p+q == 0 {
		return 2
	}
	return 2*(p+q) + maxInt(p, q) + 1 + d
}

// reduceOrder drops MA or AR terms, the larger first, until the order fits n daily values.
func reduceOrder(p, d, q, n int) (int, int) {
	for (p > 0 || q > 0) && orderPoints(p, d, q) > n {
		if q >= p {
			q--
		} else {
			p--
		}
	}
	return p, q
}

// ridge scales the regularization relative to the mean squared column norm.
const ridge = 1e-8

func longOrder(p, q, n int) int {
	m := n / 4
	if m > 10 {
		m = 10
	}
	return maxInt(m, maxInt(p+q, 1))
}

func (a ARIMA) Fit(points []Point) (*Model, error) {
	p, d, q := a.order()
	if d < 0 || d > 1 {
		return nil, fmt.Errorf("arima: differencing order %d not supported", d)
	}
	if len(points) < 2 {
		return nil, &InsufficientDataError{Valid: len(points), Need: a.MinPoints()}
	}
	daily := resampleDaily(points)
	if len(daily) < 2 {
		return nil, &InsufficientDataError{Valid: len(daily), Need: a.MinPoints()}
	}
	rp, rq := reduceOrder(p, d, q, len(daily))

	state := &ARIMAState{P: rp, D: d, Q: rq, Level: daily[len(daily)-1], Reduced: rp != p || rq != q}
	p, q = rp, rq
	var w []float64
	if d == 1 {
		w = make([]float64, len(daily)-1)
		for t := 1; t < len(daily); t++ {
			w[t-1] = daily[t] - daily[t-1]
		}
	} else {
		state.Mean = stat.Mean(daily, nil)
		w = make([]float64, len(daily))
		for t, v := range daily {
			w[t] = v - state.Mean
		}
	}

	model := &Model{
		Strategy: StrategyARIMA,
		Origin:   points[0].Date,
		LastDate: points[len(points)-1].Date,
		Samples:  len(points),
		ARIMA:    state,
	}
	if p+q == 0 {
		if d == 1 {
			state.Drift = stat.Mean(w, nil)
		}
		return model, nil
	}

	n := len(w)
	m := longOrder(p, q, n)

	// Stage 1: long autoregression for innovation estimates.
	x1 := mat.NewDense(n-m, m, nil)
	y1 := mat.NewVecDense(n-m, nil)
	for r, t := 0, m; t < n; r, t = r+1, t+1 {
		for i := 1; i <= m; i++ {
			x1.Set(r, i-1, w[t-i])
		}
		y1.SetVec(r, w[t])
	}
	long, err := leastSquares(x1, y1)
	if err != nil {
		return nil, fmt.Errorf("arima stage 1: %w", err)
	}
	innov := make([]float64, n)
	for t := m; t < n; t++ {
		pred := 0.0
		for i := 1; i <= m; i++ {
			pred += long[i-1] * w[t-i]
		}
		innov[t] = w[t] - pred
	}

	// Stage 2: regress on lagged values and lagged innovations.
	start := m + maxInt(p, q)
	if p+q > 0 {
		x2 := mat.NewDense(n-start, p+q, nil)
		y2 := mat.NewVecDense(n-start, nil)
		for r, t := 0, start; t < n; r, t = r+1, t+1 {
			for i := 1; i <= p; i++ {
				x2.Set(r, i-1, w[t-i])
			}
			for j := 1; j <= q; j++ {
				x2.Set(r, p+j-1, innov[t-j])
			}
			y2.SetVec(r, w[t])
		}
		coef, err := leastSquares(x2, y2)
		if err != nil {
			return nil, fmt.Errorf("arima stage 2: %w", err)
		}
		state.AR = coef[:p]
		state.MA = coef[p:]
	}

	resid := make([]float64, n)
	copy(resid, innov)
	for t := start; t < n; t++ {
		pred := 0.0
		for i := 1; i <= p; i++ {
			pred += state.AR[i-1] * w[t-i]
		}
		for j := 1; j <= q; j++ {
			pred += state.MA[j-1] * resid[t-j]
		}
		resid[t] = w[t] - pred
	}
	state.Diffs = append([]float64(nil), w[n-p:]...)
	state.Residuals = append([]float64(nil), resid[n-q:]...)
	return model, nil
}

// valuesAt returns the projected level for each step ahead of the last observation.
// Steps below one return the last observed level.
func (s *ARIMAState) valuesAt(steps []int) []float64 {
	maxStep := 0
	for _, k := range steps {
		if k > maxStep {
			maxStep = k
		}
	}
	ws := append([]float64(nil), s.Diffs...)
	es := append([]float64(nil), s.Residuals...)
	levels := make([]float64, maxStep+1)
	levels[0] = s.Level
	for k := 1; k <= maxStep; k++ {
		v := s.Drift
		for i := 1; i <= len(s.AR); i++ {
			v += s.AR[i-1] * lagged(ws, i)
		}
		for j := 1; j <= len(s.MA); j++ {
			v += s.MA[j-1] * lagged(es, j)
		}
		ws = append(ws, v)
		es = append(es, 0)
		if s.D == 1 {
			levels[k] = levels[k-1] + v
		} else {
			levels[k] = v + s.Mean
		}
	}
	out := make([]float64, len(steps))
	for i, k := range steps {
		if k < 0 {
			k = 0
		}
		out[i] = levels[k]
	}
	return out
}

func lagged(xs []float64, lag int) float64 {
	if lag > len(xs) {
		return 0
	}
	return xs[len(xs)-lag]
}

// resampleDaily spreads points onto a daily grid from the first to the last date and
// fills missing days by linear interpolation.
func resampleDaily(points []Point) []float64 {
	origin := points[0].Date
	span := DayOffset(origin, points[len(points)-1].Date) + 1
	vals := make([]float64, span)
	for i := range vals {
		vals[i] = math.NaN()
	}
	for _, pt := range points {
		vals[DayOffset(origin, pt.Date)] = pt.AQI
	}
	Interpolate(vals)
	return vals
}

// leastSquares solves min |a x - b|^2 with a tiny ridge term so that flat or periodic
// stretches, which make the lag columns collinear, still yield finite coefficients.
func leastSquares(a *mat.Dense, b *mat.VecDense) ([]float64, error) {
	rows, cols := a.Dims()
	energy := 0.0
	for j := 0; j < cols; j++ {
		col := mat.Col(nil, j, a)
		energy += floats.Dot(col, col)
	}
	lambda := math.Sqrt(ridge*energy/float64(cols) + 1e-12)

	aug := mat.NewDense(rows+cols, cols, nil)
	aug.Slice(0, rows, 0, cols).(*mat.Dense).Copy(a)
	rhs := mat.NewVecDense(rows+cols, nil)
	for i := 0; i < rows; i++ {
		rhs.SetVec(i, b.AtVec(i))
	}
	for j := 0; j < cols; j++ {
		aug.Set(rows+j, j, lambda)
	}

	var x mat.VecDense
	if err := x.SolveVec(aug, rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}
	out := make([]float64, cols)
	for i := range out {
		v := x.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("non-finite coefficient")
		}
		out[i] = v
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
