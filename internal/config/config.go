// Package config loads the TOML configuration shared by the RE and the CSP.
package config

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/BurntSushi/toml"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/fixedpoint"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
)

// Stopping policies.
const (
	StopSlotsAll = "all" // a component converges when every slot is under the threshold
	StopSlotsAny = "any" // a component converges when any slot is under the threshold

	StopCombineEither = "either" // stop when users or items converge
	StopCombineBoth   = "both"   // stop only when users and items converge
)

// Config is the full protocol configuration.
type Config struct {
	HE         he.Literal       `toml:"he"`
	FixedPoint fixedpoint.Scale `toml:"fixed_point"`
	Training   Training         `toml:"training"`
	Mask       Mask             `toml:"mask"`
	Upload     Upload           `toml:"upload"`
	Log        Log              `toml:"log"`
}

// Training holds gradient-descent hyperparameters.
type Training struct {
	Dims        int     `toml:"dims"`
	Lambda      float64 `toml:"lambda"`
	Gamma       float64 `toml:"gamma"`
	MaxEpochs   int     `toml:"max_epochs"`
	Threshold   float64 `toml:"threshold"`
	InitValue   float64 `toml:"init_value"`
	InitJitter  float64 `toml:"init_jitter"`
	Seed        int64   `toml:"seed"`
	Workers     int     `toml:"workers"`
	StopSlots   string  `toml:"stop_slots"`
	StopCombine string  `toml:"stop_combine"`
}

// Mask sets the width of the RE's blinding masks.
type Mask struct {
	Bits int `toml:"bits"`
}

// Upload bounds the contributor upload path.
type Upload struct {
	BlindBits int     `toml:"blind_bits"`
	MaxRating float64 `toml:"max_rating"`
}

// Log configures zerolog output.
type Log struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Default returns a configuration that trains a small model on LogN=14 BFV.
func Default() Config {
	return Config{
		HE: he.Literal{
			LogN:             he.DefaultLogN,
			PlaintextModulus: he.DefaultPlaintextModulus,
		},
		FixedPoint: fixedpoint.Scale{Alpha: 10, Beta: 8},
		Training: Training{
			Dims:        2,
			Lambda:      0.02,
			Gamma:       0.05,
			MaxEpochs:   20,
			Threshold:   0.01,
			InitValue:   1.0,
			InitJitter:  0.1,
			Seed:        1,
			Workers:     4,
			StopSlots:   StopSlotsAll,
			StopCombine: StopCombineEither,
		},
		Mask:   Mask{Bits: 20},
		Upload: Upload{BlindBits: 8, MaxRating: 5},
		Log:    Log{Level: "info"},
	}
}

// Load decodes a TOML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first inconsistency in the configuration.
func (c Config) Validate() error {
	if err := c.FixedPoint.Validate(); err != nil {
		return err
	}
	t := c.Training
	if t.Dims <= 0 {
		return fmt.Errorf("training.dims must be positive, got %d", t.Dims)
	}
	if c.HE.LogN != 0 && t.Dims > 1<<c.HE.LogN {
		return fmt.Errorf("training.dims %d exceeds %d slots", t.Dims, 1<<c.HE.LogN)
	}
	if t.MaxEpochs <= 0 {
		return fmt.Errorf("training.max_epochs must be positive, got %d", t.MaxEpochs)
	}
	if t.Gamma <= 0 || t.Lambda < 0 || t.Threshold < 0 {
		return fmt.Errorf("training.gamma must be positive, lambda and threshold non-negative")
	}
	if t.Workers <= 0 {
		return fmt.Errorf("training.workers must be positive, got %d", t.Workers)
	}
	if t.StopSlots != StopSlotsAll && t.StopSlots != StopSlotsAny {
		return fmt.Errorf("training.stop_slots must be %q or %q, got %q", StopSlotsAll, StopSlotsAny, t.StopSlots)
	}
	if t.StopCombine != StopCombineEither && t.StopCombine != StopCombineBoth {
		return fmt.Errorf("training.stop_combine must be %q or %q, got %q", StopCombineEither, StopCombineBoth, t.StopCombine)
	}
	if c.Mask.Bits <= 0 {
		return fmt.Errorf("mask.bits must be positive, got %d", c.Mask.Bits)
	}
	if c.Upload.BlindBits <= 0 || c.Upload.BlindBits > 16 {
		return fmt.Errorf("upload.blind_bits must be in [1, 16], got %d", c.Upload.BlindBits)
	}
	if c.Upload.MaxRating <= 0 {
		return fmt.Errorf("upload.max_rating must be positive")
	}
	return c.checkHeadroom()
}

// checkHeadroom verifies the largest masked value the CSP decrypts stays under
// t/4. The widest is the parameter update U', masked at 2^{α+β+bits}, plus
// the group sums of the shifted values.
func (c Config) checkHeadroom() error {
	t := c.HE.PlaintextModulus
	if t == 0 {
		t = he.DefaultPlaintextModulus
	}
	limit := bits.Len64(t) - 3 // log2(t/4), conservatively

	fp := c.FixedPoint
	maskBits := fp.Alpha + fp.Beta + c.Mask.Bits + 1
	// U' itself: 2^{2α+β} times the embedding magnitude and gradient term
	signalBits := 2*fp.Alpha + fp.Beta + int(math.Ceil(math.Log2(c.Training.InitValue+c.Upload.MaxRating+2))) + 4

	need := maskBits
	if signalBits > need {
		need = signalBits
	}
	if need+1 > limit {
		return fmt.Errorf("masked values need %d bits but t/4 only has %d; lower mask.bits or fixed_point widths", need+1, limit)
	}
	return nil
}

// MaxRatingFixed is the largest fixed-point rating plus blinding value the CSP
// must be able to recover on upload.
func (c Config) MaxRatingFixed() int64 {
	return c.FixedPoint.Encode(c.Upload.MaxRating) + int64(1)<<c.Upload.BlindBits
}
