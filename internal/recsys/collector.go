package recsys

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/fixedpoint"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/mask"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/ratings"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/upload"
)

// ErrDuplicateRating is returned when a (user, item) pair is submitted twice.
var ErrDuplicateRating = errors.New("duplicate rating")

// EncryptRating is the contributor side of the upload path: it encodes rating
// at the base scale and encrypts it under the CSP's upload key.
func EncryptRating(pk *upload.PublicKey, scale fixedpoint.Scale, rating float64) (*upload.Ciphertext, error) {
	m := scale.Encode(rating)
	if m < 0 {
		return nil, fmt.Errorf("rating %g must be non-negative", rating)
	}
	return upload.Encrypt(pk, m)
}

// Collector receives encrypted uploads on the RE side and builds M together
// with the aligned rating ciphertexts.
type Collector struct {
	engine    he.Engine
	csp       Converter
	masks     *mask.Generator
	blindBits int
	entries   map[ratings.Pair]he.Ciphertext
	logger    zerolog.Logger
}

// NewCollector creates an empty collector.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewCollector(engine he.Engine, csp Converter, masks *mask.Generator, blindBits int, logger zerolog.Logger) *Collector {
	return &Collector{
		engine:    engine,
		csp:       csp,
		masks:     masks,
		blindBits: blindBits,
		entries:   make(map[ratings.Pair]he.Ciphertext),
		logger:    logger.With().Str("component", "collector").Logger(),
	}
}

// Len is the number of accepted uploads.
func (c *Collector) Len() int { return len(c.entries) }

// Submit blinds an upload, has the CSP convert it and removes the blinding
// value homomorphically.
func (c *Collector) Submit(user, item int, ct *upload.Ciphertext) error {
	if user < 0 || item < 0 {
		return fmt.Errorf("negative index in (%d, %d)", user, item)
	}
	key := ratings.Pair{User: user, Item: item}
	if _, ok := c.entries[key]; ok {
		return fmt.Errorf("%w: (%d, %d)", ErrDuplicateRating, user, item)
	}

	b, err := c.masks.Blind(c.blindBits)
	if err != nil {
		return err
	}
	blind, err := upload.Encrypt(c.csp.UploadKey(), b)
	if err != nil {
		return fmt.Errorf("encrypt blinding value: %w", err)
	}
	converted, err := c.csp.ConvertUpload(upload.Combine(ct, blind))
	if err != nil {
		return fmt.Errorf("upload (%d, %d): %w", user, item, err)
	}
	out, err := c.engine.SubPlain(converted, []int64{b})
	if err != nil {
		return fmt.Errorf("unblind upload (%d, %d): %w", user, item, err)
	}

	c.entries[key] = out
	c.logger.Debug().Int("user", user).Int("item", item).Msg("upload accepted")
	return nil
}

// Build sorts the uploads by user then item and returns M with one rating
// ciphertext per entry.
func (c *Collector) Build() (*ratings.Space, []he.Ciphertext, error) {
	pairs := make([]ratings.Pair, 0, len(c.entries))
	for p := range c.entries {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].User != pairs[j].User {
			return pairs[i].User < pairs[j].User
		}
		return pairs[i].Item < pairs[j].Item
	})

	space, err := ratings.NewSpace(pairs)
	if err != nil {
		return nil, nil, err
	}
	cts := make([]he.Ciphertext, len(pairs))
	for i, p := range pairs {
		cts[i] = c.entries[p]
	}
	c.logger.Info().Int("entries", len(pairs)).Int("users", space.NumUsers()).Int("items", space.NumItems()).Msg("rating space built")
	return space, cts, nil
}
