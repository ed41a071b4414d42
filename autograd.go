package caption

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// There is no tape. Every trainable layer has a Forward that returns a cache
// and a Backward that consumes it, accumulates parameter gradients in place
// and returns the gradient for its input:
//
//   Linear.Backward        ∂L/∂x = ∂L/∂y @ W
//   BatchNorm1d.Backward   batch-statistics formula
//   Embedding.Backward     scatter-add into the looked-up rows
//   LSTM.BackwardPacked    truncated-free BPTT over a packed batch
//   Decoder.Backward       all of the above, returns ∂L/∂features
//   Encoder.Backward       projection + normalization (backbone frozen)
//
// Chain rule, in the order Trainer.Step calls them:
//
//   loss → logits → decoder → features → encoder head
//
// This file holds the loss side of that chain.
//
// ===========================================================================

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CrossEntropyLoss is the mean over rows of -log softmax(logits)[target].
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	checkTargets(logits, targets)

	total := 0.0
	for b, target := range targets {
		row := logits.Row(b)
		maxLogit := floats.Max(row)
		sumExp := 0.0
		for _, v := range row {
			sumExp += math.Exp(v - maxLogit)
		}
		total += maxLogit + math.Log(sumExp) - row[target]
	}
	return total / float64(len(targets))
}

// CrossEntropyBackward computes ∂L/∂logits for CrossEntropyLoss:
//
//	(softmax(logits) - one_hot(targets)) / rows
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	checkTargets(logits, targets)

	grad := Softmax(logits)
	n := float64(len(targets))
	for b, target := range targets {
		row := grad.Row(b)
		row[target] -= 1
		floats.Scale(1/n, row)
	}
	return grad
}

func checkTargets(logits *Tensor, targets []int) {
	require2D("cross entropy", logits)
	if len(targets) != logits.shape[0] {
		panic(fmt.Sprintf("cross entropy: %d targets for %d rows", len(targets), logits.shape[0]))
	}
	for _, t := range targets {
		if t < 0 || t >= logits.shape[1] {
			panic(fmt.Sprintf("cross entropy: target %d out of range [0,%d)", t, logits.shape[1]))
		}
	}
}
