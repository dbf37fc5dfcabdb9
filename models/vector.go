package models

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Vector is an embedding stored in a text column as a Postgres array
// literal. The retrieval pack carries no pgvector driver dependency, so
// centroids and embeddings are persisted as plain array text
// (`{0.1,0.2,...}`) rather than a native vector column; similarity math
// stays in Go (internal/cluster).
type Vector []float32

// Value implements driver.Valuer, encoding as a Postgres array literal.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return "{" + strings.Join(parts, ",") + "}", nil
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}
	var raw string
	switch t := src.(type) {
	case string:
		raw = t
	case []byte:
		raw = string(t)
	default:
		return fmt.Errorf("models: cannot scan %T into Vector", src)
	}
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "{")
	raw = strings.TrimSuffix(raw, "}")
	if raw == "" {
		*v = Vector{}
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("models: invalid vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

// Dims reports the vector's dimensionality.
func (v Vector) Dims() int {
	return len(v)
}

// L2Distance computes the Euclidean distance to another vector of equal
// dimensionality. Returns +Inf if dimensions mismatch so callers comparing
// against a threshold never accidentally treat a dimension mismatch as a
// match.
func (v Vector) L2Distance(other Vector) float64 {
	if len(v) != len(other) {
		return math.Inf(1)
	}
	var sum float64
	for i := range v {
		d := float64(v[i]) - float64(other[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
