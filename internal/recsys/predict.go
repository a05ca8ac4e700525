// predict.go: Prediction query and masked reveal
//
// A prediction for user u and item j is U_u·V_j summed over the profile
// dimensions. The RE masks UHat and VHat, lets the CSP pick the user's row and
// one row per distinct item, removes the masks from exactly those rows and
// multiplies homomorphically. The CSP then reduces each product to a
// base-scale rating behind a fresh mask.

package recsys

import (
	"fmt"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/ratings"
)

// ComputePredictions returns one encrypted predicted rating per distinct item
// in M, labelled with the item index, for the given user. A user without
// ratings yields empty results and no CSP call.
func (d *Driver) ComputePredictions(user int) ([]int, []he.Ciphertext, error) {
	if d.state == Failed {
		return nil, nil, fmt.Errorf("driver is %s: %w", d.state, d.err)
	}
	if d.uHat == nil {
		return nil, nil, ErrNotInitialised
	}
	row, ok := d.space.FirstRowOfUser(user)
	if !ok {
		d.logger.Debug().Int("user", user).Msg("no ratings for user, nothing to predict")
		return nil, nil, nil
	}

	n := d.space.Len()
	dims := d.cfg.Dims
	epsU, err := d.masks.New(n, dims, 0)
	if err != nil {
		return nil, nil, err
	}
	defer epsU.Release()
	epsV, err := d.masks.New(n, dims, 0)
	if err != nil {
		return nil, nil, err
	}
	defer epsV.Release()

	uHatM := make([]he.Ciphertext, n)
	vHatM := make([]he.Ciphertext, n)
	err = d.parallel(n, func(e he.Engine, i int) error {
		var err error
		if uHatM[i], err = e.AddPlain(d.uHat[i], epsU.Row(i)); err != nil {
			return err
		}
		vHatM[i], err = e.AddPlain(d.vHat[i], epsV.Row(i))
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mask hat vectors: %w", err)
	}

	uRes, vRes, err := d.csp.UiAndVVectors(user, uHatM, vHatM)
	if err != nil {
		return nil, nil, fmt.Errorf("csp uiAndV: %w", err)
	}
	items := d.space.Items()
	if len(uRes) != len(items) || len(vRes) != len(items) {
		return nil, nil, fmt.Errorf("%w: uiAndV returned %d/%d vectors for %d items", ratings.ErrAlignment, len(uRes), len(vRes), len(items))
	}

	first := d.space.ItemFirstRows()
	epsP, err := d.masks.New(len(items), dims, d.scale.Alpha)
	if err != nil {
		return nil, nil, err
	}
	defer epsP.Release()

	prodM := make([]he.Ciphertext, len(items))
	err = d.parallel(len(items), func(e he.Engine, g int) error {
		u, err := e.SubPlain(uRes[g], epsU.Eta()[row])
		if err != nil {
			return err
		}
		v, err := e.SubPlain(vRes[g], epsV.Eta()[first[g]])
		if err != nil {
			return err
		}
		p, err := e.Mul(u, v)
		if err != nil {
			return err
		}
		prodM[g], err = e.AddPlain(p, epsP.Row(g))
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("prediction products: %w", err)
	}

	reduced, err := d.csp.ReducePredictionVector(prodM)
	if err != nil {
		return nil, nil, fmt.Errorf("csp reducePrediction: %w", err)
	}
	if len(reduced) != len(items) {
		return nil, nil, fmt.Errorf("%w: reducePrediction returned %d ciphertexts for %d items", ratings.ErrAlignment, len(reduced), len(items))
	}

	sums := epsP.SlotSums(dims)
	preds := make([]he.Ciphertext, len(items))
	err = d.parallel(len(items), func(e he.Engine, g int) error {
		var err error
		preds[g], err = e.SubPlain(reduced[g], broadcast(sums[g], dims))
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("unmask predictions: %w", err)
	}

	d.logger.Debug().Int("user", user).Int("items", len(items)).Msg("predictions computed")
	return items, preds, nil
}

// Reveal decrypts slot 0 of each ciphertext through the CSP behind a fresh
// mask and returns the decoded base-scale values. Only the caller, who holds
// both the masks and the CSP reply, learns them.
func (d *Driver) Reveal(cts []he.Ciphertext) ([]float64, error) {
	if len(cts) == 0 {
		return nil, nil
	}
	eps, err := d.masks.New(len(cts), 1, 0)
	if err != nil {
		return nil, err
	}
	defer eps.Release()

	masked := make([]he.Ciphertext, len(cts))
	err = d.parallel(len(cts), func(e he.Engine, i int) error {
		var err error
		masked[i], err = e.AddPlain(cts[i], eps.Row(i))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mask reveal: %w", err)
	}

	values, err := d.csp.RevealScalars(masked)
	if err != nil {
		return nil, fmt.Errorf("csp reveal: %w", err)
	}
	if len(values) != len(cts) {
		return nil, fmt.Errorf("%w: reveal returned %d values for %d ciphertexts", ratings.ErrAlignment, len(values), len(cts))
	}

	out := make([]float64, len(values))
	eta := eps.Eta()
	for i, x := range values {
		out[i] = d.scale.Decode(x - eta[i][0])
	}
	return out, nil
}
