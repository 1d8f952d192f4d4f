package impl

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tas-rag-engine/ragerr"
)

// SerializeVector renders a vector in the pgvector text form "[0.1,0.2,...]".
func SerializeVector(v []float64) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// ParseVector parses a pgvector text value. Tokens with scientific notation
// missing the 'e' marker (a digit directly followed by a signed exponent,
// e.g. "1.2-05") are repaired before parsing; any token that still fails
// returns ragerr.ErrVectorParse — a corrupt vector is never silently
// substituted with zeros.
func ParseVector(s string) ([]float64, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "[")
	trimmed = strings.TrimSuffix(trimmed, "]")
	if strings.TrimSpace(trimmed) == "" {
		return nil, fmt.Errorf("%w: empty vector literal", ragerr.ErrVectorParse)
	}

	parts := strings.Split(trimmed, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		tok := strings.TrimSpace(p)
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			if repaired, ok := repairExponent(tok); ok {
				f, err = strconv.ParseFloat(repaired, 64)
			}
			if err != nil {
				return nil, fmt.Errorf("%w: token %q", ragerr.ErrVectorParse, tok)
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// repairExponent inserts the missing 'e' in tokens like "1.234-05" or
// "7.1+12" where a digit is immediately followed by a sign and exponent
// digits at the end of the token.
func repairExponent(tok string) (string, bool) {
	for i := 1; i < len(tok); i++ {
		c := tok[i]
		if c != '+' && c != '-' {
			continue
		}
		if !isDigit(tok[i-1]) {
			continue
		}
		rest := tok[i+1:]
		if len(rest) == 0 || !allDigits(rest) {
			continue
		}
		return tok[:i] + "e" + tok[i:], true
	}
	return "", false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector has zero norm or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// L2Normalize scales v to unit length in place and returns it. A zero
// vector is returned unchanged.
func L2Normalize(v []float64) []float64 {
	var sum float64
	for _, f := range v {
		sum += f * f
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
	return v
}

// MeanVectors averages vectors of equal length element-wise.
func MeanVectors(vs ...[]float64) []float64 {
	if len(vs) == 0 {
		return nil
	}
	out := make([]float64, len(vs[0]))
	for _, v := range vs {
		for i := range out {
			if i < len(v) {
				out[i] += v[i]
			}
		}
	}
	for i := range out {
		out[i] /= float64(len(vs))
	}
	return out
}
