package tensor

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// MalformedEncodingError is returned when a portable encoding cannot be turned
// back into a tensor of the declared shape and type.
type MalformedEncodingError struct {
	Reason string
	Err    error
}

func (e *MalformedEncodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Malformed tensor encoding: %v: %v", e.Reason, e.Err)
	}
	return "Malformed tensor encoding: " + e.Reason
}

func (e *MalformedEncodingError) Unwrap() error {
	return e.Err
}

// Encode returns the tensor's samples as base64 of their little-endian float32 bytes.
// The tensor is read but not released.
func Encode(t *Tensor) (string, error) {
	if t == nil {
		return "", fmt.Errorf("Cannot encode nil tensor")
	}
	if t.dtype != Float32 {
		return "", fmt.Errorf("Cannot encode tensor of type %v", t.dtype)
	}
	data := t.Data()
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode is the inverse of Encode. The number of decoded samples must match
// shape exactly; the encoding is never truncated or padded.
func Decode(arena *Arena, encoded string, shape Shape, dtype DType) (*Tensor, error) {
	if dtype.ElementSize() == 0 {
		return nil, &MalformedEncodingError{Reason: fmt.Sprintf("unsupported dtype '%v'", dtype)}
	}
	if !shape.Valid() {
		return nil, &MalformedEncodingError{Reason: fmt.Sprintf("invalid shape %v", shape)}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &MalformedEncodingError{Reason: "invalid base64", Err: err}
	}
	elemSize := dtype.ElementSize()
	if len(raw) != shape.Size()*elemSize {
		return nil, &MalformedEncodingError{
			Reason: fmt.Sprintf("%v bytes cannot hold shape %v of %v (expected %v bytes)", len(raw), shape, dtype, shape.Size()*elemSize),
		}
	}
	t, err := arena.New(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.data {
		t.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return t, nil
}
