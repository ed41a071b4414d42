package caption

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrBadWordVectors indicates a malformed word-vector file.
var ErrBadWordVectors = errors.New("wordvec: malformed file")

// WordVectors is a static word → vector table.
type WordVectors struct {
	dim     int
	vectors map[string][]float64
}

// NewWordVectors builds a table from an in-memory map. Every vector must
// have the same length.
func NewWordVectors(dim int, vectors map[string][]float64) (*WordVectors, error) {
	for w, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: %q has %d values, want %d", ErrBadWordVectors, w, len(v), dim)
		}
	}
	return &WordVectors{dim: dim, vectors: vectors}, nil
}

// Dim returns the vector width.
func (wv *WordVectors) Dim() int { return wv.dim }

// Len returns the number of words.
func (wv *WordVectors) Len() int { return len(wv.vectors) }

// Lookup returns the vector for an exact match of word.
func (wv *WordVectors) Lookup(word string) ([]float64, bool) {
	v, ok := wv.vectors[word]
	return v, ok
}

// LoadWordVectors reads a word2vec text file from disk.
func LoadWordVectors(path string) (*WordVectors, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wordvec: %w", err)
	}
	defer f.Close()

	wv, err := ReadWordVectors(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wv, nil
}

// ReadWordVectors parses the word2vec text format:
//
//	<count> <dim>
//	<word> <v1> … <vdim>
//	…
//
// The header count must match the number of vector lines.
func ReadWordVectors(r io.Reader) (*WordVectors, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("wordvec: %w", err)
		}
		return nil, fmt.Errorf("%w: empty input", ErrBadWordVectors)
	}
	header := strings.Fields(sc.Text())
	if len(header) != 2 {
		return nil, fmt.Errorf("%w: line 1: want \"<count> <dim>\", got %q", ErrBadWordVectors, sc.Text())
	}
	count, err1 := strconv.Atoi(header[0])
	dim, err2 := strconv.Atoi(header[1])
	if err1 != nil || err2 != nil || count < 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: line 1: bad header %q", ErrBadWordVectors, sc.Text())
	}

	vectors := make(map[string][]float64, count)
	line, n := 1, 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != dim+1 {
			return nil, fmt.Errorf("%w: line %d: %d values, want %d", ErrBadWordVectors, line, len(fields)-1, dim)
		}
		vec := make([]float64, dim)
		for i, s := range fields[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrBadWordVectors, line, err)
			}
			vec[i] = v
		}
		vectors[fields[0]] = vec
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("wordvec: line %d: %w", line, err)
	}
	if n != count {
		return nil, fmt.Errorf("%w: header promises %d vectors, found %d", ErrBadWordVectors, count, n)
	}
	return &WordVectors{dim: dim, vectors: vectors}, nil
}
