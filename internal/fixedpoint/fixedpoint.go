// fixedpoint.go: Fixed-point scaling for values carried in the BFV plaintext space
//
// Real numbers travel as integers at an implicit binary scale. Embeddings,
// ratings and residuals sit at the base scale 2^α; every ciphertext product
// doubles the scale and must be floor-shifted back before it is added to a
// base-scale value. Learning rates carry the extra β fractional bits.

package fixedpoint

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// ErrScaleOverflow reports a value that no longer fits in the plaintext space.
var ErrScaleOverflow = errors.New("fixed-point scale overflow")

// MaxBits bounds α+β so that products of two base-scale values stay well
// inside an int64 before the plaintext modulus check.
const MaxBits = 30

// Scale holds the fractional bit widths of the fixed-point encoding.
type Scale struct {
	Alpha int `toml:"alpha" json:"alpha"` // base scale of embeddings and ratings
	Beta  int `toml:"beta" json:"beta"`   // extra bits carried by the learning rate
}

// Validate checks that both widths are usable.
func (s Scale) Validate() error {
	if s.Alpha <= 0 || s.Beta < 0 {
		return fmt.Errorf("alpha must be positive and beta non-negative, got alpha=%d beta=%d", s.Alpha, s.Beta)
	}
	if s.Alpha+s.Beta > MaxBits {
		return fmt.Errorf("alpha+beta = %d exceeds %d bits", s.Alpha+s.Beta, MaxBits)
	}
	return nil
}

// One is 2^α, the encoding of 1.0.
func (s Scale) One() int64 { return int64(1) << s.Alpha }

// Encode rounds v to the base scale.
func (s Scale) Encode(v float64) int64 {
	return int64(math.Round(v * float64(s.One())))
}

// Decode maps a base-scale integer back to a real number.
func (s Scale) Decode(x int64) float64 {
	return float64(x) / float64(s.One())
}

// EncodeSquared rounds v to the doubled scale 2^{2α} used by squared gradients.
func (s Scale) EncodeSquared(v float64) int64 {
	return int64(math.Round(v * float64(s.One()) * float64(s.One())))
}

// EncodeRate rounds a learning rate to 2^β.
func (s Scale) EncodeRate(v float64) int64 {
	return int64(math.Round(v * float64(int64(1)<<s.Beta)))
}

// UpdateShift is the number of bits the parameter update U' carries above the
// base scale: 2^{α+β}·UHat - γ·UGradient' lives at 2^{2α+β}.
func (s Scale) UpdateShift() int { return s.Alpha + s.Beta }

// Rescale floor-divides x by 2^bits.
func Rescale[T constraints.Signed](x T, bits int) T {
	return x >> bits
}

// RescaleVector floor-divides every element of v by 2^bits in place.
func RescaleVector[T constraints.Signed](v []T, bits int) {
	for i := range v {
		v[i] >>= bits
	}
}

// CheckRange returns ErrScaleOverflow when |x| > bound.
func CheckRange(x, bound int64) error {
	if x > bound || x < -bound {
		return fmt.Errorf("%w: |%d| > %d", ErrScaleOverflow, x, bound)
	}
	return nil
}

// CheckVector applies CheckRange to every element of v.
func CheckVector(v []int64, bound int64) error {
	for i, x := range v {
		if err := CheckRange(x, bound); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return nil
}

// Sum adds the first d slots of v, failing on int64 overflow.
func Sum(v []int64, d int) (int64, error) {
	var acc int64
	var err error
	for k := 0; k < d && k < len(v); k++ {
		if acc, err = Add(acc, v[k]); err != nil {
			return 0, err
		}
	}
	return acc, nil
}

// Add returns a+b, or ErrScaleOverflow when the sum does not fit in int64.
func Add(a, b int64) (int64, error) {
	next := a + b
	if (b > 0 && next < a) || (b < 0 && next > a) {
		return 0, fmt.Errorf("%w: sum overflows int64", ErrScaleOverflow)
	}
	return next, nil
}
