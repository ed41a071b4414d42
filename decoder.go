package caption

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The caption decoder is an LSTM language model conditioned on the image by
// treating the image embedding as time step zero:
//
//   step 0     input = image embedding
//   step t>0   input = embedding of caption token t-1
//
// Score runs a whole packed batch at once (teacher forcing) and returns
// vocabulary logits for every valid position. Sample runs the recurrence one
// step at a time, feeding back the arg-max token.
//
// The word embedding table is seeded from pretrained vectors:
//
//   reserved tokens   i.i.d. N(0, 1) per dimension
//   known words       exact-match row from the static word-vector table
//   everything else   contextual model on the word split at '\n', first
//                     vector produced
//
// The static lookup is a presence check. Only the contextual model can fail,
// and when it does construction fails.
//
// ===========================================================================

// DecoderConfig holds the decoder hyperparameters.
type DecoderConfig struct {
	EmbedDim     int // Word and image embedding width
	HiddenSize   int // LSTM hidden width
	NumLayers    int // Stacked LSTM layers
	MaxSeqLength int // Steps taken by Sample

	// Seed drives reserved-row sampling and weight initialization.
	Seed uint64

	// MatchReservedScale samples reserved rows with the standard deviation of
	// the pretrained rows instead of 1. Off by default; turning it on changes
	// the initial table.
	MatchReservedScale bool
}

// DefaultDecoderConfig returns the tutorial's settings.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		EmbedDim:     256,
		HiddenSize:   512,
		NumLayers:    1,
		MaxSeqLength: 20,
		Seed:         1,
	}
}

func (c DecoderConfig) validate() error {
	if c.EmbedDim <= 0 || c.HiddenSize <= 0 || c.NumLayers <= 0 || c.MaxSeqLength <= 0 {
		return fmt.Errorf("decoder: embed=%d hidden=%d layers=%d max=%d must all be positive",
			c.EmbedDim, c.HiddenSize, c.NumLayers, c.MaxSeqLength)
	}
	return nil
}

// EmbeddingStats counts where each embedding row came from.
type EmbeddingStats struct {
	Reserved int
	Static   int
	Fallback int
}

// Decoder generates captions from image embeddings.
//
// Decoder is not safe for concurrent use.
type Decoder struct {
	config DecoderConfig
	stats  EmbeddingStats
	endID  int

	Embed  *Embedding
	LSTM   *LSTM
	Linear *Linear
}

// NewDecoder builds the embedding table from src and initializes the LSTM
// and output projection. A zero MaxSeqLength means 20.
func NewDecoder(ctx context.Context, cfg DecoderConfig, vocab Vocab, src EmbeddingSources) (*Decoder, error) {
	if cfg.MaxSeqLength == 0 {
		cfg.MaxSeqLength = 20
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := checkReserved(vocab); err != nil {
		return nil, err
	}
	if src.Static != nil && src.Static.Dim() != cfg.EmbedDim {
		return nil, fmt.Errorf("%w: word vectors are %d wide, embed dim is %d", ErrDimensionMismatch, src.Static.Dim(), cfg.EmbedDim)
	}

	rng := rand.NewSource(cfg.Seed)
	table, stats, err := buildEmbeddingTable(ctx, cfg, vocab, src, rng)
	if err != nil {
		return nil, err
	}
	slog.Info("embedding table built", "vocab", vocab.Len(), "dim", cfg.EmbedDim,
		"reserved", stats.Reserved, "static", stats.Static, "fallback", stats.Fallback)

	return &Decoder{
		config: cfg,
		stats:  stats,
		endID:  vocab.ID(EndToken),
		Embed:  NewEmbedding(table),
		LSTM:   NewLSTM(rng, cfg.EmbedDim, cfg.HiddenSize, cfg.NumLayers),
		Linear: NewLinear(rng, cfg.HiddenSize, vocab.Len()),
	}, nil
}

func buildEmbeddingTable(ctx context.Context, cfg DecoderConfig, vocab Vocab, src EmbeddingSources, rng rand.Source) (*Tensor, EmbeddingStats, error) {
	var stats EmbeddingStats
	table := NewTensor(vocab.Len(), cfg.EmbedDim)

	reserved := make(map[int]bool, len(ReservedTokens))
	for _, tok := range ReservedTokens {
		reserved[vocab.ID(tok)] = true
	}

	var pretrained []float64
	for id, word := range vocab.Tokens() {
		if reserved[id] {
			continue
		}
		row := table.Row(id)

		if src.Static != nil {
			if vec, ok := src.Static.Lookup(word); ok {
				copy(row, vec)
				pretrained = append(pretrained, vec...)
				stats.Static++
				continue
			}
		}

		if src.Fallback == nil {
			return nil, stats, fmt.Errorf("%w: %q", ErrMissingFallback, word)
		}
		vecs, err := src.Fallback.Embed(ctx, strings.Split(word, "\n"))
		if err != nil {
			return nil, stats, fmt.Errorf("embedding %q: %w", word, err)
		}
		if len(vecs) == 0 || len(vecs[0]) != cfg.EmbedDim {
			return nil, stats, fmt.Errorf("%w: fallback vector for %q", ErrDimensionMismatch, word)
		}
		copy(row, vecs[0])
		pretrained = append(pretrained, vecs[0]...)
		stats.Fallback++
		slog.Debug("word vector fallback", "word", word)
	}

	sigma := 1.0
	if cfg.MatchReservedScale && len(pretrained) > 1 {
		sigma = stat.StdDev(pretrained, nil)
	}
	for _, tok := range ReservedTokens {
		id := vocab.ID(tok)
		copy(table.Row(id), NewTensorNormal(rng, 0, sigma, cfg.EmbedDim).data)
		stats.Reserved++
	}
	return table, stats, nil
}

// Config returns the decoder's configuration.
func (d *Decoder) Config() DecoderConfig { return d.config }

// Stats reports where the embedding rows came from at construction.
func (d *Decoder) Stats() EmbeddingStats { return d.stats }

// VocabSize returns the number of output classes.
func (d *Decoder) VocabSize() int { return d.Linear.Out() }

func (d *Decoder) checkFeatures(features *Tensor) {
	if len(features.shape) != 2 || features.shape[1] != d.config.EmbedDim {
		panic(fmt.Sprintf("decoder: features must be (batch, %d), got %v", d.config.EmbedDim, features.shape))
	}
}

// scoreCache keeps the forward state Backward needs.
type scoreCache struct {
	captions [][]int
	packed   PackedSequence
	hidden   *Tensor
	lstm     *lstmCache
	batch    int
}

// Score computes vocabulary logits for every valid position of a batch.
//
// features is (batch, EmbedDim); captions are padded id sequences and
// lengths their valid lengths including the image step, sorted descending.
// Row r of the result scores packed position r, so it lines up with
// PackIDs(captions, lengths). The result has Σ lengths rows.
func (d *Decoder) Score(features *Tensor, captions [][]int, lengths []int) *Tensor {
	logits, _ := d.ScoreWithCache(features, captions, lengths)
	return logits
}

// ScoreWithCache is Score that also returns what Backward needs.
func (d *Decoder) ScoreWithCache(features *Tensor, captions [][]int, lengths []int) (*Tensor, *scoreCache) {
	d.checkFeatures(features)
	table := d.Embed.Weight
	packed := packWith(lengths, d.config.EmbedDim, func(b, t int, dst []float64) {
		if t == 0 {
			copy(dst, features.Row(b))
			return
		}
		copy(dst, table.Row(captions[b][t-1]))
	})

	hidden, lc := d.LSTM.ForwardPacked(packed)
	logits := d.Linear.Forward(hidden)
	return logits, &scoreCache{
		captions: captions,
		packed:   packed,
		hidden:   hidden,
		lstm:     lc,
		batch:    features.shape[0],
	}
}

// Backward accumulates gradients of every decoder parameter from dLogits
// and returns the gradient with respect to the image features.
func (d *Decoder) Backward(cache *scoreCache, dLogits *Tensor) *Tensor {
	dHidden := d.Linear.Backward(cache.hidden, dLogits)
	dPacked := d.LSTM.BackwardPacked(cache.lstm, dHidden)

	dFeatures := NewTensor(cache.batch, d.config.EmbedDim)
	var (
		ids  []int
		rows []int
	)
	forEachPacked(cache.packed.BatchSizes, func(row, b, t int) {
		if t == 0 {
			dst := dFeatures.Row(b)
			for j, g := range dPacked.Row(row) {
				dst[j] += g
			}
			return
		}
		ids = append(ids, cache.captions[b][t-1])
		rows = append(rows, row)
	})

	if len(ids) > 0 {
		gWords := NewTensor(len(ids), d.config.EmbedDim)
		for i, row := range rows {
			copy(gWords.Row(i), dPacked.Row(row))
		}
		d.Embed.Backward(ids, gWords)
	}
	return dFeatures
}

// SampleOptions tunes Sample.
type SampleOptions struct {
	// StopAtEnd ends a sequence after it emits <end> (the <end> id is kept)
	// and stops early once every sequence has ended. Without it every
	// sequence is exactly MaxSeqLength ids long.
	StopAtEnd bool
}

// Sample greedily generates MaxSeqLength ids for each image. A nil state
// starts from zeros.
func (d *Decoder) Sample(features *Tensor, state *LSTMState) [][]int {
	return d.SampleWithOptions(features, state, SampleOptions{})
}

// SampleWithOptions is Sample with the extensions in opts.
func (d *Decoder) SampleWithOptions(features *Tensor, state *LSTMState, opts SampleOptions) [][]int {
	d.checkFeatures(features)
	batch := features.shape[0]

	out := make([][]int, batch)
	done := make([]bool, batch)
	remaining := batch

	inputs := features
	for step := 0; step < d.config.MaxSeqLength; step++ {
		var h *Tensor
		h, state = d.LSTM.Step(inputs, state)
		ids := argmaxRows(d.Linear.Forward(h))

		for b, id := range ids {
			if done[b] {
				continue
			}
			out[b] = append(out[b], id)
			if opts.StopAtEnd && id == d.endID {
				done[b] = true
				remaining--
			}
		}
		if remaining == 0 {
			break
		}
		inputs = d.Embed.Lookup(ids)
	}
	return out
}

// Params returns every decoder parameter with PyTorch-style names.
func (d *Decoder) Params() []NamedParam {
	params := []NamedParam{{Name: "embed.weight", Tensor: d.Embed.Weight}}
	params = append(params, d.LSTM.Params("lstm.")...)
	return append(params, d.Linear.Params("linear.")...)
}
