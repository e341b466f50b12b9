package processing

import (
	"context"
	"math/rand/v2"
	"time"

	"streamvault/internal/models"
)

const (
	DefaultMinDuration     = 5 * time.Second
	DefaultMaxDuration     = 10 * time.Second
	DefaultSafeProbability = 0.7
	DefaultSteps           = 10
	DefaultStaleAfter      = time.Minute

	// MaxSteps keeps every progress step at a distinct whole percentage.
	MaxSteps = 100
)

// DurationProvider decides how long processing an asset takes in total. It
// is consulted once per run.
type DurationProvider interface {
	Duration(asset models.Asset) time.Duration
}

// DurationFunc adapts a function to DurationProvider.
type DurationFunc func(asset models.Asset) time.Duration

func (f DurationFunc) Duration(asset models.Asset) time.Duration {
	return f(asset)
}

// UniformDuration draws a duration uniformly from [min, max].
func UniformDuration(min, max time.Duration) DurationProvider {
	if max < min {
		min, max = max, min
	}
	return DurationFunc(func(models.Asset) time.Duration {
		span := int64(max - min)
		if span <= 0 {
			return min
		}
		return min + time.Duration(rand.Int64N(span+1))
	})
}

// FixedDuration always returns d.
func FixedDuration(d time.Duration) DurationProvider {
	return DurationFunc(func(models.Asset) time.Duration { return d })
}

// Classifier labels an asset once processing finishes. Implementations must
// return safe or flagged.
type Classifier interface {
	Classify(ctx context.Context, asset models.Asset) (models.Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, asset models.Asset) (models.Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, asset models.Asset) (models.Classification, error) {
	return f(ctx, asset)
}

// RandomClassifier labels assets safe with probability SafeProbability and
// flagged otherwise. It stands in for a real content classifier.
type RandomClassifier struct {
	SafeProbability float64
	// Float64 returns a number in [0, 1). Nil uses math/rand/v2.
	Float64 func() float64
}

func (c RandomClassifier) Classify(ctx context.Context, _ models.Asset) (models.Classification, error) {
	if err := ctx.Err(); err != nil {
		return models.ClassificationUnknown, err
	}
	draw := rand.Float64
	if c.Float64 != nil {
		draw = c.Float64
	}
	if draw() < c.SafeProbability {
		return models.ClassificationSafe, nil
	}
	return models.ClassificationFlagged, nil
}

// FixedClassifier always returns classification.
func FixedClassifier(classification models.Classification) Classifier {
	return ClassifierFunc(func(context.Context, models.Asset) (models.Classification, error) {
		return classification, nil
	})
}
