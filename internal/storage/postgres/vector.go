package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mirahq/mira/pkg/models"
)

// ErrWrongDimension is returned when an embedding does not have exactly
// models.EmbeddingDim components.
type ErrWrongDimension struct {
	Got  int
	Want int
}

func (e *ErrWrongDimension) Error() string {
	return fmt.Sprintf("postgres: embedding has %d dimensions, want %d", e.Got, e.Want)
}

// ValidateDimension checks an embedding against the deep-encoder dimension.
func ValidateDimension(vec []float32) error {
	if len(vec) != models.EmbeddingDim {
		return &ErrWrongDimension{Got: len(vec), Want: models.EmbeddingDim}
	}
	return nil
}

// EncodeVector renders a float32 slice as a pgvector literal: "[f1,f2,...]".
func EncodeVector(vec []float32) string {
	var sb strings.Builder
	sb.Grow(len(vec)*10 + 2)
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// DecodeVector parses a pgvector literal back into float32 components.
func DecodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("postgres: malformed vector literal %q", truncateForError(s))
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return []float32{}, nil
	}
	parts := strings.Split(inner, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("postgres: vector component %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func truncateForError(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
