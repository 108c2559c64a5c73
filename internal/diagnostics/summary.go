package diagnostics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/bondfit/internal/errors"
)

// Summary describes how well predicted forces match the target forces,
// over all components.
type Summary struct {
	N       int     `json:"n"`
	RMSE    float64 `json:"rmse"`
	MAE     float64 `json:"mae"`
	MaxAbs  float64 `json:"max_abs"`
	RSquare float64 `json:"r_squared"`
}

func (s Summary) String() string {
	return fmt.Sprintf("n=%d rmse=%.6g mae=%.6g max=%.6g r2=%.4f", s.N, s.RMSE, s.MAE, s.MaxAbs, s.RSquare)
}

// Summarize compares pred against target element-wise. Both must have the
// same shape and at least one element.
func Summarize(pred, target *mat.Dense) (Summary, error) {
	pr, pc := pred.Dims()
	tr, tc := target.Dims()
	if pr != tr || pc != tc {
		return Summary{}, errors.Input("predicted forces are %dx%d, target forces are %dx%d", pr, pc, tr, tc).
			WithComponent("diagnostics").WithOperation("Summarize")
	}
	n := pr * pc
	if n == 0 {
		return Summary{}, errors.Input("no forces to summarize").WithComponent("diagnostics").WithOperation("Summarize")
	}

	p := flatten(pred)
	t := flatten(target)
	res := make([]float64, n)
	floats.SubTo(res, p, t)

	var abs, sq float64
	maxAbs := 0.0
	for _, r := range res {
		a := math.Abs(r)
		abs += a
		sq += r * r
		maxAbs = math.Max(maxAbs, a)
	}

	return Summary{
		N:       n,
		RMSE:    math.Sqrt(sq / float64(n)),
		MAE:     abs / float64(n),
		MaxAbs:  maxAbs,
		RSquare: stat.RSquaredFrom(p, t, nil),
	}, nil
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}
