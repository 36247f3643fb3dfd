package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/flashbots/fedrelay/protocol"
)

// ErrType matches every *TypeError.
var ErrType = errors.New("non-numeric tensor leaf")

// TypeError reports a non-numeric leaf found while flattening.
type TypeError struct {
	// Path holds the indices leading to the offending leaf.
	Path  []int
	Value any
}

func (e *TypeError) Error() string {
	var b strings.Builder
	b.WriteString("tensor")
	for _, i := range e.Path {
		fmt.Fprintf(&b, "[%d]", i)
	}
	return fmt.Sprintf("%s: %T is not numeric", b.String(), e.Value)
}

func (e *TypeError) Is(target error) bool { return target == ErrType }

// Encoded is a tensor collection split into chunks of at most one slot
// capacity each, with the layout needed to reassemble it.
type Encoded struct {
	Chunks [][]float64
	Layout protocol.ChunkLayout
}

// Flatten walks v depth first and returns its scalars in order. Slices and
// arrays nest; every leaf must be a Go number or a json.Number.
func Flatten(v any) ([]float64, error) {
	flat := []float64{}
	if err := flatten(reflect.ValueOf(v), nil, &flat); err != nil {
		return nil, err
	}
	return flat, nil
}

func flatten(v reflect.Value, path []int, out *[]float64) error {
	if !v.IsValid() {
		return &TypeError{Path: clonePath(path), Value: nil}
	}

	if v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return &TypeError{Path: clonePath(path), Value: nil}
		}
		return flatten(v.Elem(), path, out)
	}

	// json.Number is a string kind, so it must be checked first.
	if n, ok := v.Interface().(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return &TypeError{Path: clonePath(path), Value: n}
		}
		*out = append(*out, f)
		return nil
	}

	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		*out = append(*out, v.Float())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		*out = append(*out, float64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		*out = append(*out, float64(v.Uint()))
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := flatten(v.Index(i), append(path, i), out); err != nil {
				return err
			}
		}
	default:
		return &TypeError{Path: clonePath(path), Value: v.Interface()}
	}
	return nil
}

func clonePath(path []int) []int {
	return append([]int(nil), path...)
}

// Chunk splits flat into contiguous chunks of at most capacity scalars. The
// last chunk may be shorter; an empty input yields no chunks.
func Chunk(flat []float64, capacity int) ([][]float64, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1, got %d", protocol.ErrValidation, capacity)
	}

	chunks := make([][]float64, 0, chunkCount(len(flat), capacity))
	for start := 0; start < len(flat); start += capacity {
		end := min(start+capacity, len(flat))
		chunks = append(chunks, append([]float64(nil), flat[start:end]...))
	}
	return chunks, nil
}

func chunkCount(n, capacity int) int {
	return (n + capacity - 1) / capacity
}

// Encode flattens and chunks every tensor in order.
func Encode(tensors []any, capacity int) (*Encoded, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1, got %d", protocol.ErrValidation, capacity)
	}

	enc := &Encoded{
		Chunks: [][]float64{},
		Layout: protocol.ChunkLayout{
			ChunkCounts: make([]int, len(tensors)),
			OrigSizes:   make([]int, len(tensors)),
		},
	}

	for i, t := range tensors {
		flat, err := Flatten(t)
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		chunks, err := Chunk(flat, capacity)
		if err != nil {
			return nil, err
		}
		enc.Chunks = append(enc.Chunks, chunks...)
		enc.Layout.ChunkCounts[i] = len(chunks)
		enc.Layout.OrigSizes[i] = len(flat)
	}
	return enc, nil
}

// Decode reassembles tensors from decrypted chunks encoded with capacity.
// A decrypted chunk may carry padding past the scalars it was encoded with:
// every chunk contributes at most capacity scalars, the last chunk of a
// tensor only what remains of it. A chunk too short for its share, or a
// layout whose chunk counts do not follow from capacity, is a structural
// mismatch.
func Decode(chunks [][]float64, layout protocol.ChunkLayout, capacity int) ([][]float64, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: capacity must be at least 1, got %d", protocol.ErrValidation, capacity)
	}
	if err := layout.Validate(len(chunks)); err != nil {
		return nil, err
	}

	tensors := make([][]float64, len(layout.ChunkCounts))
	next := 0
	for i, count := range layout.ChunkCounts {
		size := layout.OrigSizes[i]
		if want := chunkCount(size, capacity); count != want {
			return nil, fmt.Errorf("%w: tensor %d of %d scalars spans %d chunks, capacity %d needs %d",
				protocol.ErrStructuralMismatch, i, size, count, capacity, want)
		}

		tensor := make([]float64, 0, size)
		for j, chunk := range chunks[next : next+count] {
			take := min(capacity, size-len(tensor))
			if len(chunk) < take {
				return nil, fmt.Errorf("%w: tensor %d chunk %d holds %d scalars, needs %d",
					protocol.ErrStructuralMismatch, i, j, len(chunk), take)
			}
			tensor = append(tensor, chunk[:take]...)
		}
		next += count
		tensors[i] = tensor
	}
	return tensors, nil
}

// Reshape pours flat into the nested shape of like, which must hold exactly
// len(flat) scalars. Leaves come back as float64.
func Reshape(flat []float64, like any) (any, error) {
	pos := 0
	out, err := reshape(reflect.ValueOf(like), flat, &pos, nil)
	if err != nil {
		return nil, err
	}
	if pos != len(flat) {
		return nil, fmt.Errorf("%w: shape holds %d scalars, got %d", protocol.ErrStructuralMismatch, pos, len(flat))
	}
	return out, nil
}

func reshape(v reflect.Value, flat []float64, pos *int, path []int) (any, error) {
	if !v.IsValid() {
		return nil, &TypeError{Path: clonePath(path), Value: nil}
	}
	if v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, &TypeError{Path: clonePath(path), Value: nil}
		}
		return reshape(v.Elem(), flat, pos, path)
	}

	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		items := make([]any, v.Len())
		for i := range items {
			item, err := reshape(v.Index(i), flat, pos, append(path, i))
			if err != nil {
				return nil, err
			}
			items[i] = item
		}
		return items, nil
	}

	if *pos >= len(flat) {
		return nil, fmt.Errorf("%w: shape holds more than %d scalars", protocol.ErrStructuralMismatch, len(flat))
	}
	if _, err := Flatten(v.Interface()); err != nil {
		return nil, err
	}
	value := flat[*pos]
	*pos++
	return value, nil
}
