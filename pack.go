package caption

import "fmt"

// PackedSequence stores a batch of variable-length sequences without padding.
//
// Layout is time-major: all sequences' step 0, then all step 1 for the
// sequences still running, and so on. BatchSizes[t] is how many sequences
// are still running at step t. Because lengths are sorted in descending
// order, the running sequences at any step are always a prefix of the
// batch, which is what lets the LSTM work on contiguous row blocks.
//
// Sortedness is not checked. Unsorted lengths produce a packing that is
// internally consistent but pairs the wrong rows with the wrong sequences.
type PackedSequence struct {
	Data       *Tensor // (Σ lengths, dim)
	BatchSizes []int
}

// Len returns the number of packed rows.
func (p PackedSequence) Len() int { return p.Data.shape[0] }

// batchSizes returns, for each step, how many lengths exceed it.
func batchSizes(lengths []int) []int {
	maxLen := 0
	for _, l := range lengths {
		if l <= 0 {
			panic(fmt.Sprintf("pack: sequence length must be positive, got %d", l))
		}
		maxLen = max(maxLen, l)
	}
	sizes := make([]int, maxLen)
	for t := range sizes {
		for _, l := range lengths {
			if l > t {
				sizes[t]++
			}
		}
	}
	return sizes
}

// forEachPacked visits (row, batch, step) in packed order.
func forEachPacked(sizes []int, fn func(row, b, t int)) {
	row := 0
	for t, bs := range sizes {
		for b := 0; b < bs; b++ {
			fn(row, b, t)
			row++
		}
	}
}

func packedRows(sizes []int) int {
	n := 0
	for _, bs := range sizes {
		n += bs
	}
	return n
}

// packWith builds a packed sequence whose row for (b, t) is written by fill.
func packWith(lengths []int, dim int, fill func(b, t int, dst []float64)) PackedSequence {
	sizes := batchSizes(lengths)
	data := NewTensor(packedRows(sizes), dim)
	forEachPacked(sizes, func(row, b, t int) {
		fill(b, t, data.Row(row))
	})
	return PackedSequence{Data: data, BatchSizes: sizes}
}

// PackPadded packs a padded batch x (batch, steps, dim) using lengths.
func PackPadded(x *Tensor, lengths []int) PackedSequence {
	if len(x.shape) != 3 {
		panic(fmt.Sprintf("pack: expected (batch, steps, dim), got %v", x.shape))
	}
	batch, steps, dim := x.shape[0], x.shape[1], x.shape[2]
	if len(lengths) != batch {
		panic(fmt.Sprintf("pack: %d lengths for batch of %d", len(lengths), batch))
	}
	return packWith(lengths, dim, func(b, t int, dst []float64) {
		if t >= steps {
			panic(fmt.Sprintf("pack: length exceeds %d padded steps", steps))
		}
		off := (b*steps + t) * dim
		copy(dst, x.data[off:off+dim])
	})
}

// PackIDs flattens padded id sequences into packed order. The result is the
// target vector that lines up with the rows of Decoder.Score.
func PackIDs(ids [][]int, lengths []int) []int {
	sizes := batchSizes(lengths)
	out := make([]int, 0, packedRows(sizes))
	forEachPacked(sizes, func(_, b, t int) {
		out = append(out, ids[b][t])
	})
	return out
}
