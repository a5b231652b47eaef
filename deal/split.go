package deal

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSplit signals a split request whose percentages cannot produce a
// valid milestone structure.
var ErrInvalidSplit = errors.New("deal: invalid split")

// SplitLine is one row of a computed milestone structure.
type SplitLine struct {
	Order      int
	Percentage float64
	Amount     int64
}

// Weights are kept in basis points so amounts stay in integer arithmetic.
// The 0.01-percentage-point tolerance on custom splits equals one basis point.
const basisPoints = 10000

// loadedWeights defines front_loaded percentage schedules per milestone
// count. back_loaded uses the same schedules reversed.
var loadedWeights = map[int][]int64{
	1: {10000},
	2: {7000, 3000},
	3: {5000, 3000, 2000},
	4: {4000, 3000, 2000, 1000},
	5: {3000, 2500, 2000, 1500, 1000},
}

// ComputeSplit derives the ordered milestone structure for a total amount.
// It is pure and deterministic: safe to call repeatedly for previews.
//
// count is the requested number of milestones for the named templates and is
// ignored for custom, where len(custom) decides. Amounts always sum to the
// total exactly; the rounding remainder lands on the last milestone.
func ComputeSplit(total int64, template Template, count int, custom []float64) ([]SplitLine, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: total must be positive", ErrInvalidSplit)
	}

	var weights []int64
	switch template {
	case TemplateEqualSplit:
		if count < 1 {
			return nil, fmt.Errorf("%w: milestone count must be at least 1", ErrInvalidSplit)
		}
		weights = equalWeights(count)
	case TemplateFrontLoaded, TemplateBackLoaded:
		schedule, ok := loadedWeights[count]
		if !ok {
			return nil, fmt.Errorf("%w: %s supports 1 to %d milestones, got %d", ErrInvalidSplit, template, len(loadedWeights), count)
		}
		weights = append([]int64(nil), schedule...)
		if template == TemplateBackLoaded {
			reverse(weights)
		}
	case TemplateCustom:
		if len(custom) == 0 {
			return nil, fmt.Errorf("%w: custom split requires an explicit percentage list", ErrInvalidSplit)
		}
		converted, err := customWeights(custom)
		if err != nil {
			return nil, err
		}
		weights = converted
	default:
		return nil, fmt.Errorf("%w: unknown template %q", ErrInvalidSplit, template)
	}

	lines := make([]SplitLine, len(weights))
	var assigned int64
	for i, w := range weights {
		amount := total * w / basisPoints
		if i == len(weights)-1 {
			amount = total - assigned
		}
		assigned += amount
		lines[i] = SplitLine{
			Order:      i + 1,
			Percentage: float64(w) / 100,
			Amount:     amount,
		}
	}
	return lines, nil
}

func equalWeights(count int) []int64 {
	share := int64(math.Round(float64(basisPoints) / float64(count)))
	weights := make([]int64, count)
	var used int64
	for i := 0; i < count-1; i++ {
		weights[i] = share
		used += share
	}
	weights[count-1] = basisPoints - used
	return weights
}

func customWeights(custom []float64) ([]int64, error) {
	weights := make([]int64, len(custom))
	var sum int64
	for i, pct := range custom {
		if pct <= 0 {
			return nil, fmt.Errorf("%w: percentage %v at position %d is not positive", ErrInvalidSplit, pct, i+1)
		}
		bp := int64(math.Round(pct * 100))
		weights[i] = bp
		sum += bp
	}
	// sum must land within one basis point of 100%.
	if diff := sum - basisPoints; diff < -1 || diff > 1 {
		return nil, fmt.Errorf("%w: percentages sum to %.2f, want 100.00", ErrInvalidSplit, float64(sum)/100)
	}
	// Fold any tolerated drift into the last milestone so downstream sums
	// stay exact.
	weights[len(weights)-1] += basisPoints - sum
	return weights, nil
}

func reverse(w []int64) {
	for i, j := 0, len(w)-1; i < j; i, j = i+1, j-1 {
		w[i], w[j] = w[j], w[i]
	}
}
