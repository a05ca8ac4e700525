// params.go: BFV parameter presets using Lattigo v6
//
// Lattigo v6 runs BFV as the scale-invariant mode of its bgv package, so the
// parameters are plain bgv parameters.
//
// The plaintext modulus must be prime, congruent to 1 mod 2N for batching, and
// wide enough to hold masked fixed-point values at scale 2^{2α+β}.

package he

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/schemes/bgv"
)

// DefaultPlaintextModulus is a 55-bit prime with t ≡ 1 mod 2^17, so it batches
// for every ring degree up to 2^16.
const DefaultPlaintextModulus uint64 = 36028797014376449

// DefaultLogN is the ring degree used when no preset is requested.
const DefaultLogN = 14

// Literal is the serialisable form of a BFV parameter set.
type Literal struct {
	LogN             int    `toml:"log_n" json:"log_n"`
	LogQ             []int  `toml:"log_q" json:"log_q"`
	LogP             []int  `toml:"log_p" json:"log_p"`
	PlaintextModulus uint64 `toml:"plaintext_modulus" json:"plaintext_modulus"`
}

// Preset returns the literal for a named ring degree. All presets support one
// ciphertext-ciphertext multiplication with a 55-bit plaintext modulus.
func Preset(logN int) (Literal, error) {
	lit := Literal{LogN: logN, PlaintextModulus: DefaultPlaintextModulus}

	switch logN {
	case 13:
		// Small parameters for testing
		lit.LogQ = []int{58, 58, 58}
		lit.LogP = []int{60}
	case 14:
		// Standard parameters
		lit.LogQ = []int{60, 60, 60, 60}
		lit.LogP = []int{61}
	case 15:
		// Larger parameters, more headroom for long rating lists
		lit.LogQ = []int{60, 60, 60, 60, 60, 60}
		lit.LogP = []int{61, 61}
	default:
		return lit, fmt.Errorf("unsupported logN: %d (use 13, 14, or 15)", logN)
	}

	return lit, nil
}

// NewParameters builds BFV parameters from lit. Missing moduli chains are
// filled from the preset of the same ring degree.
func NewParameters(lit Literal) (bgv.Parameters, error) {
	if lit.LogN == 0 {
		lit.LogN = DefaultLogN
	}
	if len(lit.LogQ) == 0 || len(lit.LogP) == 0 {
		preset, err := Preset(lit.LogN)
		if err != nil {
			return bgv.Parameters{}, err
		}
		if len(lit.LogQ) == 0 {
			lit.LogQ = preset.LogQ
		}
		if len(lit.LogP) == 0 {
			lit.LogP = preset.LogP
		}
	}
	if lit.PlaintextModulus == 0 {
		lit.PlaintextModulus = DefaultPlaintextModulus
	}

	params, err := bgv.NewParametersFromLiteral(bgv.ParametersLiteral{
		LogN:             lit.LogN,
		LogQ:             lit.LogQ,
		LogP:             lit.LogP,
		PlaintextModulus: lit.PlaintextModulus,
	})
	if err != nil {
		return params, fmt.Errorf("failed to create parameters: %w", err)
	}
	return params, nil
}
