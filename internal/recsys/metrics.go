package recsys

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// Fit measures revealed predictions against the ratings they were trained on.
type Fit struct {
	N    int     `json:"n"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
}

// Evaluate computes the root mean square and mean absolute error of
// predicted against actual.
func Evaluate(predicted, actual []float64) (Fit, error) {
	if len(predicted) != len(actual) {
		return Fit{}, fmt.Errorf("%d predictions for %d ratings", len(predicted), len(actual))
	}
	if len(predicted) == 0 {
		return Fit{}, nil
	}

	sq := make(stats.Float64Data, len(predicted))
	abs := make(stats.Float64Data, len(predicted))
	for i := range predicted {
		d := predicted[i] - actual[i]
		sq[i] = d * d
		abs[i] = math.Abs(d)
	}
	mse, err := stats.Mean(sq)
	if err != nil {
		return Fit{}, fmt.Errorf("rmse: %w", err)
	}
	mae, err := stats.Mean(abs)
	if err != nil {
		return Fit{}, fmt.Errorf("mae: %w", err)
	}
	return Fit{N: len(predicted), RMSE: math.Sqrt(mse), MAE: mae}, nil
}
