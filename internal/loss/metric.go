// Package loss provides the scalar discrepancy metrics used to compare
// predicted forces against reference forces.
package loss

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/bondfit/internal/errors"
)

// Metric is a differentiable discrepancy between two equally sized vectors
// of force components.
type Metric interface {
	// Name returns the configuration name of the metric.
	Name() string

	// Eval returns the discrepancy between pred and target.
	Eval(pred, target []float64) float64

	// Gradient writes dEval/dpred into dst.
	Gradient(dst, pred, target []float64)
}

// RMSE is the root-mean-square error over all components.
type RMSE struct{}

// NewRMSE returns the root-mean-square error metric.
func NewRMSE() *RMSE {
	return &RMSE{}
}

// Name returns "rmse".
func (RMSE) Name() string { return "rmse" }

// Eval computes sqrt(mean((pred-target)^2)).
func (RMSE) Eval(pred, target []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	return floats.Distance(pred, target, 2) / math.Sqrt(float64(len(pred)))
}

// Gradient computes (pred-target)/(M*L). The gradient is zero where the
// loss itself is zero.
func (m RMSE) Gradient(dst, pred, target []float64) {
	l := m.Eval(pred, target)
	if l == 0 {
		zero(dst)
		return
	}
	floats.SubTo(dst, pred, target)
	floats.Scale(1/(float64(len(pred))*l), dst)
}

// StdDev is the population standard deviation of the residuals
// pred-target. A constant offset between prediction and target does not
// contribute to it.
type StdDev struct {
	// residual scratch space, reused between calls
	buf []float64
}

// NewStdDev returns the residual standard deviation metric.
func NewStdDev() *StdDev {
	return &StdDev{}
}

// Name returns "std".
func (*StdDev) Name() string { return "std" }

// Eval computes the population standard deviation of pred-target.
func (s *StdDev) Eval(pred, target []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	r := s.residuals(pred, target)
	return stat.PopStdDev(r, nil)
}

// Gradient computes (r-mean(r))/(M*L) with r = pred-target.
func (s *StdDev) Gradient(dst, pred, target []float64) {
	if len(pred) == 0 {
		return
	}
	r := s.residuals(pred, target)
	mean, std := stat.PopMeanStdDev(r, nil)
	if std == 0 {
		zero(dst)
		return
	}
	scale := 1 / (float64(len(pred)) * std)
	for i, v := range r {
		dst[i] = (v - mean) * scale
	}
}

func (s *StdDev) residuals(pred, target []float64) []float64 {
	if cap(s.buf) < len(pred) {
		s.buf = make([]float64, len(pred))
	}
	s.buf = s.buf[:len(pred)]
	floats.SubTo(s.buf, pred, target)
	return s.buf
}

func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}

// Parse returns the metric registered under name. Names are matched
// case-insensitively; "stddev" is accepted as an alias of "std".
func Parse(name string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "rmse":
		return NewRMSE(), nil
	case "std", "stddev":
		return NewStdDev(), nil
	default:
		return nil, errors.Input("unknown loss metric %q", name).
			WithComponent("loss").WithOperation("Parse")
	}
}
