package caption

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/x448/float16"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Trained parameters are stored in a safetensors-style file:
//
//   int64 (little endian)   header length n
//   n bytes                 JSON: name → {dtype, shape, data_offsets}
//   payload                 tensors back to back, little endian
//
// dtype is "F64" (lossless) or "F16" (half the size of float32, enough for
// inference). Offsets are relative to the start of the payload.
//
// The frozen backbone is never written here: it always comes from its
// pretrained file.
//
// ===========================================================================

// ErrCheckpoint indicates a checkpoint that does not match the model.
var ErrCheckpoint = errors.New("checkpoint: incompatible file")

// NamedParam is a tensor with its state_dict-style name. Buffers (running
// statistics) are saved and loaded but never optimized.
type NamedParam struct {
	Name   string
	Tensor *Tensor
	Buffer bool
}

type tensorHeader struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// SaveParams writes params to w. With half set the payload is float16.
func SaveParams(w io.Writer, params []NamedParam, half bool) error {
	dtype, width := "F64", int64(8)
	if half {
		dtype, width = "F16", 2
	}

	headers := make(map[string]tensorHeader, len(params))
	var offset int64
	for _, p := range params {
		if _, ok := headers[p.Name]; ok {
			return fmt.Errorf("%w: duplicate tensor %q", ErrCheckpoint, p.Name)
		}
		size := int64(p.Tensor.Size()) * width
		headers[p.Name] = tensorHeader{Type: dtype, Shape: p.Tensor.Shape(), Offsets: []int64{offset, offset + size}}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}
	if _, err := bw.Write(header); err != nil {
		return err
	}
	for _, p := range params {
		if half {
			u16s := make([]uint16, p.Tensor.Size())
			for i, v := range p.Tensor.data {
				u16s[i] = float16.Fromfloat32(float32(v)).Bits()
			}
			err = binary.Write(bw, binary.LittleEndian, u16s)
		} else {
			err = binary.Write(bw, binary.LittleEndian, p.Tensor.data)
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", p.Name, err)
		}
	}
	return bw.Flush()
}

// LoadParams reads values written by SaveParams into params. The file must
// hold exactly the named tensors with the same shapes.
func LoadParams(r io.Reader, params []NamedParam) error {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("%w: reading header length: %v", ErrCheckpoint, err)
	}
	if n <= 0 || n > 100<<20 {
		return fmt.Errorf("%w: header length %d", ErrCheckpoint, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return fmt.Errorf("%w: reading header: %v", ErrCheckpoint, err)
	}
	var headers map[string]tensorHeader
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return fmt.Errorf("%w: decoding header: %v", ErrCheckpoint, err)
	}
	if len(headers) != len(params) {
		return fmt.Errorf("%w: file has %d tensors, model has %d", ErrCheckpoint, len(headers), len(params))
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: reading payload: %v", ErrCheckpoint, err)
	}

	for _, p := range params {
		h, ok := headers[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing tensor %q", ErrCheckpoint, p.Name)
		}
		if !shapeEqual(h.Shape, p.Tensor.shape) {
			return fmt.Errorf("%w: %s has shape %v, model wants %v", ErrCheckpoint, p.Name, h.Shape, p.Tensor.shape)
		}
		if len(h.Offsets) != 2 || h.Offsets[0] < 0 || h.Offsets[1] > int64(len(payload)) || h.Offsets[0] > h.Offsets[1] {
			return fmt.Errorf("%w: %s has bad offsets %v", ErrCheckpoint, p.Name, h.Offsets)
		}
		raw := payload[h.Offsets[0]:h.Offsets[1]]
		if err := decodeTensor(p.Tensor.data, h.Type, raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCheckpoint, p.Name, err)
		}
	}
	return nil
}

func decodeTensor(dst []float64, dtype string, raw []byte) error {
	switch dtype {
	case "F64":
		if len(raw) != 8*len(dst) {
			return fmt.Errorf("%d bytes for %d values", len(raw), len(dst))
		}
		for i := range dst {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
	case "F16":
		if len(raw) != 2*len(dst) {
			return fmt.Errorf("%d bytes for %d values", len(raw), len(dst))
		}
		for i := range dst {
			dst[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32())
		}
	default:
		return fmt.Errorf("unknown data type %q", dtype)
	}
	return nil
}

func modelParams(enc *Encoder, dec *Decoder) []NamedParam {
	var params []NamedParam
	for _, p := range enc.Params() {
		p.Name = "encoder." + p.Name
		params = append(params, p)
	}
	for _, p := range dec.Params() {
		p.Name = "decoder." + p.Name
		params = append(params, p)
	}
	return params
}

// SaveModel writes the trainable encoder head and the whole decoder to path.
func SaveModel(path string, enc *Encoder, dec *Decoder, half bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := SaveParams(f, modelParams(enc, dec), half); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	slog.Info("saved model", "path", path, "half", half)
	return nil
}

// LoadModel restores a file written by SaveModel into enc and dec, which
// must have been built with the same shapes.
func LoadModel(path string, enc *Encoder, dec *Decoder) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()

	if err := LoadParams(bufio.NewReader(f), modelParams(enc, dec)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("loaded model", "path", path)
	return nil
}
