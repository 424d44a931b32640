// Package trust computes the 0-100 provider trust score from reputation aggregates.
package trust

import (
	"fmt"
	"math"

	"github.com/MarkoPoloResearchLab/mtaa/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	MaxRating            = 5
	ReviewSaturation     = 50
	MaxScore             = 100
	ratingWeight         = 40
	reviewCountWeight    = 20
	completionWeight     = 20
	responsivenessWeight = 20
	scorePrecision       = 1
)

// ErrInvalidInput reports a signal outside its normalized range.
var ErrInvalidInput = ledger.NewKindError(ledger.ErrValidation, "invalid trust score input")

// Inputs are the aggregates a provider's score is computed from.
type Inputs struct {
	AverageRating  float64
	ReviewCount    int
	CompletionRate float64
	ResponseScore  float64
}

// Validate checks every signal is within its range.
func (inputs Inputs) Validate() error {
	if !inRange(inputs.AverageRating, 0, MaxRating) {
		return fmt.Errorf("%w: average rating %v outside [0,%d]", ErrInvalidInput, inputs.AverageRating, MaxRating)
	}
	if inputs.ReviewCount < 0 {
		return fmt.Errorf("%w: negative review count %d", ErrInvalidInput, inputs.ReviewCount)
	}
	if !inRange(inputs.CompletionRate, 0, 1) {
		return fmt.Errorf("%w: completion rate %v outside [0,1]", ErrInvalidInput, inputs.CompletionRate)
	}
	if !inRange(inputs.ResponseScore, 0, 1) {
		return fmt.Errorf("%w: response score %v outside [0,1]", ErrInvalidInput, inputs.ResponseScore)
	}
	return nil
}

// Score returns the weighted 40/20/20/20 sum of the normalized signals, rounded to one decimal.
// Review volume stops adding to the score at ReviewSaturation reviews.
func Score(inputs Inputs) (float64, error) {
	if err := inputs.Validate(); err != nil {
		return 0, err
	}
	reviewCount := inputs.ReviewCount
	if reviewCount > ReviewSaturation {
		reviewCount = ReviewSaturation
	}
	rating := decimal.NewFromFloat(inputs.AverageRating).Div(decimal.NewFromInt(MaxRating)).Mul(decimal.NewFromInt(ratingWeight))
	volume := decimal.NewFromInt(int64(reviewCount)).Div(decimal.NewFromInt(ReviewSaturation)).Mul(decimal.NewFromInt(reviewCountWeight))
	completion := decimal.NewFromFloat(inputs.CompletionRate).Mul(decimal.NewFromInt(completionWeight))
	responsiveness := decimal.NewFromFloat(inputs.ResponseScore).Mul(decimal.NewFromInt(responsivenessWeight))

	total := rating.Add(volume).Add(completion).Add(responsiveness).Round(scorePrecision)
	if total.GreaterThan(decimal.NewFromInt(MaxScore)) {
		total = decimal.NewFromInt(MaxScore)
	}
	score, _ := total.Float64()
	return score, nil
}

func inRange(value float64, low float64, high float64) bool {
	if math.IsNaN(value) {
		return false
	}
	return value >= low && value <= high
}
