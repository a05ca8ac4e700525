// aggregator.go: CSP-side decrypt, group, sum and re-encrypt operations
//
// The CSP is the only party holding the BFV secret key. Each operation
// decrypts masked ciphertexts from the RE, applies a plaintext transform
// (slot sum, floor shift, aggregation, reconstitution or hat projection) and
// re-encrypts the result. Plaintexts live only for the duration of a call.
//
// Every decoded value is range checked against t/4: a larger magnitude means
// a product was not rescaled in time, and continuing would corrupt every
// downstream aggregate.

package csp

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/config"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/fixedpoint"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/ratings"
)

// Aggregator serves the grouping operations of one training run over M.
// It is not safe for concurrent use.
type Aggregator struct {
	engine    he.Engine
	space     *ratings.Space
	scale     fixedpoint.Scale
	dims      int
	stopSlots string
	bound     int64
	logger    zerolog.Logger
}

// NewAggregator binds a decrypting engine to M.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewAggregator(engine he.Engine, space *ratings.Space, scale fixedpoint.Scale, dims int, stopSlots string, logger zerolog.Logger) (*Aggregator, error) {
	if !engine.CanDecrypt() {
		return nil, fmt.Errorf("aggregator: %w", he.ErrNoSecretKey)
	}
	if err := scale.Validate(); err != nil {
		return nil, err
	}
	if dims <= 0 || dims > engine.Slots() {
		return nil, fmt.Errorf("dims %d outside [1, %d]", dims, engine.Slots())
	}
	if stopSlots != config.StopSlotsAll && stopSlots != config.StopSlotsAny {
		return nil, fmt.Errorf("unknown stop_slots policy %q", stopSlots)
	}
	return &Aggregator{
		engine:    engine,
		space:     space,
		scale:     scale,
		dims:      dims,
		stopSlots: stopSlots,
		bound:     int64(engine.PlaintextModulus() / 4),
		logger:    logger.With().Str("component", "csp").Logger(),
	}, nil
}

// Digest is the blake3 digest of the CSP's copy of M.
func (a *Aggregator) Digest() [32]byte { return a.space.Digest() }

// open decrypts n ciphertexts into d-slot rows and range checks them.
func (a *Aggregator) open(what string, cts []he.Ciphertext, n int) ([]ratings.Vector, error) {
	if len(cts) != n {
		return nil, fmt.Errorf("%w: %s has %d ciphertexts, want %d", ratings.ErrAlignment, what, len(cts), n)
	}
	rows, err := he.DecryptAll(a.engine, cts, a.dims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	out := make([]ratings.Vector, len(rows))
	for i, row := range rows {
		if err := fixedpoint.CheckVector(row, a.bound); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", what, i, err)
		}
		out[i] = row
	}
	return out, nil
}

// seal re-encrypts plaintext rows.
func (a *Aggregator) seal(what string, rows []ratings.Vector) ([]he.Ciphertext, error) {
	plain := make([][]int64, len(rows))
	for i, r := range rows {
		plain[i] = r
	}
	cts, err := he.EncryptAll(a.engine, plain)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return cts, nil
}

// sumShift sums the d slots of every row, floor-shifts by bits and broadcasts
// the scalar back to d slots.
func (a *Aggregator) sumShift(what string, cts []he.Ciphertext, n, bits int) ([]he.Ciphertext, error) {
	rows, err := a.open(what, cts, n)
	if err != nil {
		return nil, err
	}
	out := make([]ratings.Vector, len(rows))
	for i, row := range rows {
		s, err := fixedpoint.Sum(row, a.dims)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", what, i, err)
		}
		if err := fixedpoint.CheckRange(s, a.bound); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", what, i, err)
		}
		out[i] = broadcast(fixedpoint.Rescale(s, bits), a.dims)
	}
	return a.seal(what, out)
}

func broadcast(x int64, d int) ratings.Vector {
	v := make(ratings.Vector, d)
	for k := range v {
		v[k] = x
	}
	return v
}

// SumF turns each masked residual product into the masked residual R,
// broadcast to every slot. One output per entry of M.
func (a *Aggregator) SumF(f []he.Ciphertext) ([]he.Ciphertext, error) {
	a.logger.Debug().Str("op", "sumF").Int("rows", len(f)).Msg("csp call")
	return a.sumShift("sumF", f, a.space.Len(), a.scale.Alpha)
}

// newEmbedding rescales the masked update U' (or V') back to the base scale,
// regroups it and derives the hat projection.
func (a *Aggregator) newEmbedding(what string, k ratings.Key, prime []he.Ciphertext) ([]he.Ciphertext, []he.Ciphertext, error) {
	rows, err := a.open(what, prime, a.space.Len())
	if err != nil {
		return nil, nil, err
	}
	for _, row := range rows {
		fixedpoint.RescaleVector(row, a.scale.UpdateShift())
	}
	full, err := a.space.Regroup(k, rows)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", what, err)
	}
	hat, err := a.space.Hat(k, full)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", what, err)
	}
	emb, err := a.seal(what, full)
	if err != nil {
		return nil, nil, err
	}
	embHat, err := a.seal(what+" hat", hat)
	if err != nil {
		return nil, nil, err
	}
	return emb, embHat, nil
}

// NewUAndUHat returns the next user embeddings and their hat projection.
func (a *Aggregator) NewUAndUHat(uPrime []he.Ciphertext) ([]he.Ciphertext, []he.Ciphertext, error) {
	a.logger.Debug().Str("op", "newU").Int("rows", len(uPrime)).Msg("csp call")
	return a.newEmbedding("newU", ratings.ByUser, uPrime)
}

// NewVAndVHat returns the next item embeddings and their hat projection.
func (a *Aggregator) NewVAndVHat(vPrime []he.Ciphertext) ([]he.Ciphertext, []he.Ciphertext, error) {
	a.logger.Debug().Str("op", "newV").Int("rows", len(vPrime)).Msg("csp call")
	return a.newEmbedding("newV", ratings.ByItem, vPrime)
}

func (a *Aggregator) newGradient(what string, k ratings.Key, prime []he.Ciphertext) ([]he.Ciphertext, error) {
	rows, err := a.open(what, prime, a.space.Len())
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		fixedpoint.RescaleVector(row, a.scale.Alpha)
	}
	agg, err := a.space.Aggregate(k, rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return a.seal(what, agg)
}

// NewUGradient rescales the masked gradient pre-images and sums them per user.
func (a *Aggregator) NewUGradient(g []he.Ciphertext) ([]he.Ciphertext, error) {
	a.logger.Debug().Str("op", "uGradient").Int("rows", len(g)).Msg("csp call")
	return a.newGradient("uGradient", ratings.ByUser, g)
}

// NewVGradient rescales the masked gradient pre-images and sums them per item.
func (a *Aggregator) NewVGradient(g []he.Ciphertext) ([]he.Ciphertext, error) {
	a.logger.Debug().Str("op", "vGradient").Int("rows", len(g)).Msg("csp call")
	return a.newGradient("vGradient", ratings.ByItem, g)
}

// StoppingVector sums the masked squared gradients slot-wise and compares each
// slot against the masked threshold.
func (a *Aggregator) StoppingVector(uGradSq, vGradSq []he.Ciphertext, su, sv []int64) (bool, bool, error) {
	a.logger.Debug().Str("op", "stopping").Int("users", len(uGradSq)).Int("items", len(vGradSq)).Msg("csp call")

	userConverged, err := a.converged("uStop", uGradSq, a.space.NumUsers(), su)
	if err != nil {
		return false, false, err
	}
	itemConverged, err := a.converged("vStop", vGradSq, a.space.NumItems(), sv)
	if err != nil {
		return false, false, err
	}
	return userConverged, itemConverged, nil
}

func (a *Aggregator) converged(what string, cts []he.Ciphertext, n int, threshold []int64) (bool, error) {
	if len(threshold) != a.dims {
		return false, fmt.Errorf("%w: %s threshold has %d slots, want %d", ratings.ErrAlignment, what, len(threshold), a.dims)
	}
	rows, err := a.open(what, cts, n)
	if err != nil {
		return false, err
	}
	sums := make([]int64, a.dims)
	for _, row := range rows {
		for k, x := range row {
			if sums[k], err = fixedpoint.Add(sums[k], x); err != nil {
				return false, fmt.Errorf("%s slot %d: %w", what, k, err)
			}
		}
	}
	if err := fixedpoint.CheckVector(sums, a.bound); err != nil {
		return false, fmt.Errorf("%s: %w", what, err)
	}

	below := 0
	for k := range sums {
		if sums[k] <= threshold[k] {
			below++
		}
	}
	if a.stopSlots == config.StopSlotsAny {
		return below > 0, nil
	}
	return below == a.dims, nil
}

// UiAndVVectors extracts the requesting user's embedding and one embedding per
// distinct item, in order of first appearance. The user vector is replicated
// once per item. A user without ratings yields two empty results.
func (a *Aggregator) UiAndVVectors(user int, uHat, vHat []he.Ciphertext) ([]he.Ciphertext, []he.Ciphertext, error) {
	a.logger.Debug().Str("op", "uiAndV").Msg("csp call")

	row, ok := a.space.FirstRowOfUser(user)
	if !ok {
		return nil, nil, nil
	}
	uRows, err := a.open("uHat", uHat, a.space.Len())
	if err != nil {
		return nil, nil, err
	}
	vRows, err := a.open("vHat", vHat, a.space.Len())
	if err != nil {
		return nil, nil, err
	}

	first := a.space.ItemFirstRows()
	vOut := make([]ratings.Vector, len(first))
	uOut := make([]ratings.Vector, len(first))
	for g, r := range first {
		vOut[g] = vRows[r]
		uOut[g] = uRows[row]
	}
	u, err := a.seal("ui", uOut)
	if err != nil {
		return nil, nil, err
	}
	v, err := a.seal("v", vOut)
	if err != nil {
		return nil, nil, err
	}
	return u, v, nil
}

// ReducePredictionVector sums each masked product u·v over its slots and
// rescales it to a base-scale rating, one per distinct item.
func (a *Aggregator) ReducePredictionVector(p []he.Ciphertext) ([]he.Ciphertext, error) {
	a.logger.Debug().Str("op", "reducePrediction").Int("rows", len(p)).Msg("csp call")
	return a.sumShift("reducePrediction", p, a.space.NumItems(), a.scale.Alpha)
}

// RevealScalars decrypts slot 0 of each masked ciphertext. The caller holds
// the masks and is the one who learns the result.
func (a *Aggregator) RevealScalars(cts []he.Ciphertext) ([]int64, error) {
	a.logger.Debug().Str("op", "reveal").Int("rows", len(cts)).Msg("csp call")
	rows, err := a.open("reveal", cts, len(cts))
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(rows))
	for i, row := range rows {
		out[i] = row[0]
	}
	return out, nil
}
