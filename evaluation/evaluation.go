// Package evaluation implements stateless classification scorers over model logits
// and ground-truth labels: accuracy, confusion matrix and weighted F1.
//
// Logits are shaped [N, K]; labels are length-N class indices in [0, K). The
// confusion matrix follows scikit-learn semantics: classes are the sorted union of
// the label values observed in the truth and the predictions.
package evaluation

import (
	"slices"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/soumbane/histocartography/internal/generics"
)

// Accuracy returns the fraction of rows whose argmax prediction equals the label.
func Accuracy(logits *tensors.Tensor, labels []int32) (float64, error) {
	predictions, err := argmaxRows(logits, len(labels))
	if err != nil {
		return 0, err
	}
	var correct int
	for ii, label := range labels {
		if predictions[ii] == label {
			correct++
		}
	}
	return float64(correct) / float64(len(labels)), nil
}

// ConfusionMatrix returns the KxK count matrix, rows = true label, columns =
// predicted label, over the sorted union of observed label and prediction values.
func ConfusionMatrix(logits *tensors.Tensor, labels []int32) (*mat.Dense, error) {
	predictions, err := argmaxRows(logits, len(labels))
	if err != nil {
		return nil, err
	}
	classes := observedClasses(labels, predictions)
	index := make(map[int32]int, len(classes))
	for ii, class := range classes {
		index[class] = ii
	}
	confusion := mat.NewDense(len(classes), len(classes), nil)
	for ii, label := range labels {
		row, col := index[label], index[predictions[ii]]
		confusion.Set(row, col, confusion.At(row, col)+1)
	}
	return confusion, nil
}

// WeightedF1 returns the support-weighted mean of the per-class F1 scores.
func WeightedF1(logits *tensors.Tensor, labels []int32) (float64, error) {
	confusion, err := ConfusionMatrix(logits, labels)
	if err != nil {
		return 0, err
	}
	numClasses, _ := confusion.Dims()
	var weightedF1, total float64
	for class := 0; class < numClasses; class++ {
		var truePos, rowSum, colSum float64
		truePos = confusion.At(class, class)
		for other := 0; other < numClasses; other++ {
			rowSum += confusion.At(class, other) // Support of the class.
			colSum += confusion.At(other, class) // Times the class was predicted.
		}
		var f1 float64
		if denominator := rowSum + colSum; denominator > 0 {
			f1 = 2 * truePos / denominator
		}
		weightedF1 += rowSum * f1
		total += rowSum
	}
	if total == 0 {
		return 0, errors.New("no labels to evaluate")
	}
	return weightedF1 / total, nil
}

// argmaxRows returns the hard-predicted class per row of [N, K] logits.
func argmaxRows(logits *tensors.Tensor, numLabels int) ([]int32, error) {
	if logits.Rank() != 2 {
		return nil, errors.Errorf("logits must be shaped [N, numClasses], got %s", logits.Shape())
	}
	numRows, numClasses := logits.Shape().Dim(0), logits.Shape().Dim(1)
	if numRows != numLabels {
		return nil, errors.Errorf("got %d logit rows for %d labels", numRows, numLabels)
	}
	if numLabels == 0 {
		return nil, errors.New("no labels to evaluate")
	}
	flat := tensors.CopyFlatData[float32](logits)
	predictions := make([]int32, numRows)
	for row := 0; row < numRows; row++ {
		base := row * numClasses
		best := 0
		for col := 1; col < numClasses; col++ {
			if flat[base+col] > flat[base+best] {
				best = col
			}
		}
		predictions[row] = int32(best)
	}
	return predictions, nil
}

func observedClasses(labels, predictions []int32) []int32 {
	seen := generics.MakeSet[int32](len(labels))
	seen.Insert(labels...)
	seen.Insert(predictions...)
	return slices.Collect(generics.SortedKeys(seen))
}
