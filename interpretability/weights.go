package interpretability

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// WeightStrategy derives the per-channel weights a CAM extractor combines layer
// activations with. It is a small closed set of variants, selected explicitly by the
// caller at construction.
type WeightStrategy interface {
	// deriveWeights returns numChannels weights for the given class. scores is the
	// caller-supplied score vector; nil unless needsScores reports true.
	deriveWeights(classIdx, numChannels int, scores []float32) ([]float32, error)

	// needsScores reports whether compute must be given output scores.
	needsScores() bool
}

type uniformWeights struct{}

// UniformWeights weighs every activation channel equally (1/numChannels).
func UniformWeights() WeightStrategy { return uniformWeights{} }

func (uniformWeights) needsScores() bool { return false }

func (uniformWeights) deriveWeights(classIdx, numChannels int, _ []float32) ([]float32, error) {
	weights := make([]float32, numChannels)
	for ii := range weights {
		weights[ii] = 1 / float32(numChannels)
	}
	return weights, nil
}

type classifierWeights struct {
	w          []float32
	numClasses int
}

// ClassifierWeights is the classic CAM weighting: channel weights are the target
// class's row of the model's final linear classifier, supplied as a
// [numChannels, numClasses] Float32 tensor.
func ClassifierWeights(w *tensors.Tensor) (WeightStrategy, error) {
	if w.Rank() != 2 {
		return nil, errors.Errorf("classifier weights must be [numChannels, numClasses], got shape %s", w.Shape())
	}
	return classifierWeights{
		w:          tensors.CopyFlatData[float32](w),
		numClasses: w.Shape().Dim(1),
	}, nil
}

func (classifierWeights) needsScores() bool { return false }

func (s classifierWeights) deriveWeights(classIdx, numChannels int, _ []float32) ([]float32, error) {
	if classIdx >= s.numClasses {
		return nil, errors.Errorf("class index %d out of range for %d classes", classIdx, s.numClasses)
	}
	if len(s.w) != numChannels*s.numClasses {
		return nil, errors.Errorf("classifier weights cover %d channels, activations have %d",
			len(s.w)/s.numClasses, numChannels)
	}
	weights := make([]float32, numChannels)
	for c := range weights {
		weights[c] = s.w[c*s.numClasses+classIdx]
	}
	return weights, nil
}

type scoreWeights struct{}

// ScoreWeights uses caller-supplied per-channel importance scores directly as
// combination weights. Compute fails with a validation error when no scores are
// passed.
func ScoreWeights() WeightStrategy { return scoreWeights{} }

func (scoreWeights) needsScores() bool { return true }

func (scoreWeights) deriveWeights(classIdx, numChannels int, scores []float32) ([]float32, error) {
	if len(scores) != numChannels {
		return nil, errors.Errorf("got %d channel scores for %d activation channels", len(scores), numChannels)
	}
	return scores, nil
}
