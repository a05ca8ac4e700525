// protocol_ops.go: In-process RE/CSP protocol run behind the CLI
//
// train plays every role in one process, keeping each party's secrets in its
// own component:
//  1. CSP: generate BFV and upload keys, publish the public keys
//  2. Contributors: encrypt each rating under the upload key
//  3. RE: blind each upload, have the CSP convert it, unblind, build M
//  4. RE and CSP: run gradient descent until convergence or max_epochs
//  5. RE and CSP: compute and reveal predictions for the requested users
//
// Uploads and public keys go through their wire encodings so the run
// exercises the same path a networked deployment would.

package main

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/config"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/csp"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/mask"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/ratings"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/recsys"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/upload"
)

// generateKeyBundle creates fresh CSP keys and returns their public half.
func generateKeyBundle(logN int) (*KeyGenOutput, error) {
	if logN == 0 {
		logN = he.DefaultLogN
	}
	lit, err := he.Preset(logN)
	if err != nil {
		return nil, err
	}
	params, err := he.NewParameters(lit)
	if err != nil {
		return nil, err
	}

	keys := he.GenerateKeys(params)
	bundle, err := keys.PublicKeys.Encode()
	if err != nil {
		return nil, err
	}
	uploadKey, err := upload.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate upload key: %w", err)
	}

	return &KeyGenOutput{
		LogN:               params.LogN(),
		Slots:              params.MaxSlots(),
		PlaintextModulus:   params.PlaintextModulus(),
		PublicKey:          bundle.PublicKey,
		RelinearizationKey: bundle.RelinearizationKey,
		UploadPublicKey:    uploadKey.PublicKey.Encode(),
	}, nil
}

// simulatedSlots is the minimum slot count of the clear engine.
const simulatedSlots = 8

// engines returns the CSP's decrypting engine and the RE's key-less engine.
func engines(cfg config.Config, simulate bool) (he.Engine, he.Engine, error) {
	if simulate {
		t := cfg.HE.PlaintextModulus
		if t == 0 {
			t = he.DefaultPlaintextModulus
		}
		slots := cfg.Training.Dims
		if slots < simulatedSlots {
			slots = simulatedSlots
		}
		key := he.NewClear(slots, t, true)
		return key, key.WithoutSecretKey(), nil
	}

	params, err := he.NewParameters(cfg.HE)
	if err != nil {
		return nil, nil, err
	}
	keys := he.GenerateKeys(params)
	key, err := he.NewBFV(params, keys.PublicKeys, keys.SecretKey)
	if err != nil {
		return nil, nil, err
	}

	// the RE only ever sees the published bundle
	bundle, err := keys.PublicKeys.Encode()
	if err != nil {
		return nil, nil, err
	}
	public, err := he.DecodePublicKeys(params, bundle)
	if err != nil {
		return nil, nil, err
	}
	re, err := he.NewBFV(params, public, nil)
	if err != nil {
		return nil, nil, err
	}
	return key, re, nil
}

// cspView rebuilds M on the CSP side from the pair list the RE sends it.
// NewDriver then checks both sides agree on its digest.
func cspView(space *ratings.Space) (*ratings.Space, error) {
	return ratings.NewSpace(space.Pairs())
}

// runTraining executes the whole protocol for one ratings list.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func runTraining(input TrainInput, cfg config.Config, logger zerolog.Logger) (*TrainOutput, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if len(input.Ratings) == 0 {
		return nil, fmt.Errorf("no ratings given")
	}

	runID := uuid.NewString()
	scale := cfg.FixedPoint

	cspEngine, reEngine, err := engines(cfg, input.Simulate)
	if err != nil {
		return nil, fmt.Errorf("engine setup: %w", err)
	}
	uploadKey, err := upload.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate upload key: %w", err)
	}
	svc, err := csp.NewService(cspEngine, uploadKey, cfg.MaxRatingFixed(), logger)
	if err != nil {
		return nil, err
	}
	masks, err := mask.NewRandomGenerator(runID, cfg.Mask.Bits)
	if err != nil {
		return nil, err
	}

	// contributors only know the published upload key
	published, err := upload.DecodePublicKey(svc.UploadKey().Encode())
	if err != nil {
		return nil, err
	}
	collector := recsys.NewCollector(reEngine, svc, masks, cfg.Upload.BlindBits, logger)
	actual := make(map[ratings.Pair]float64, len(input.Ratings))
	for _, in := range input.Ratings {
		if in.Rating < 0 || in.Rating > cfg.Upload.MaxRating {
			return nil, fmt.Errorf("rating %g for (%d, %d) outside [0, %g]", in.Rating, in.User, in.Item, cfg.Upload.MaxRating)
		}
		ct, err := recsys.EncryptRating(published, scale, in.Rating)
		if err != nil {
			return nil, err
		}
		wire, err := ct.Encode()
		if err != nil {
			return nil, err
		}
		received, err := upload.DecodeCiphertext(wire)
		if err != nil {
			return nil, err
		}
		if err := collector.Submit(in.User, in.Item, received); err != nil {
			return nil, err
		}
		actual[ratings.Pair{User: in.User, Item: in.Item}] = in.Rating
	}

	space, r, err := collector.Build()
	if err != nil {
		return nil, err
	}
	cspSpace, err := cspView(space)
	if err != nil {
		return nil, err
	}
	agg, err := svc.NewAggregator(cspSpace, scale, cfg.Training.Dims, cfg.Training.StopSlots)
	if err != nil {
		return nil, err
	}
	driver, err := recsys.NewDriver(reEngine, agg, space, r, masks, scale, cfg.Training, logger)
	if err != nil {
		return nil, err
	}

	report, err := driver.Train()
	if err != nil {
		return nil, err
	}

	wanted := make(map[int]bool, len(input.PredictUsers))
	for _, u := range input.PredictUsers {
		wanted[u] = true
	}

	var predicted, observed []float64
	output := &TrainOutput{Report: report}
	for _, user := range space.Users() {
		items, cts, err := driver.ComputePredictions(user)
		if err != nil {
			return nil, fmt.Errorf("predictions for user %d: %w", user, err)
		}
		values, err := driver.Reveal(cts)
		if err != nil {
			return nil, fmt.Errorf("reveal for user %d: %w", user, err)
		}

		preds := UserPredictions{User: user, Items: make([]ItemPrediction, len(items))}
		for g, item := range items {
			preds.Items[g] = ItemPrediction{Item: item, Rating: values[g]}
			if rating, ok := actual[ratings.Pair{User: user, Item: item}]; ok {
				predicted = append(predicted, values[g])
				observed = append(observed, rating)
			}
		}
		sort.Slice(preds.Items, func(i, j int) bool { return preds.Items[i].Item < preds.Items[j].Item })
		if len(wanted) == 0 || wanted[user] {
			output.Predictions = append(output.Predictions, preds)
		}
	}
	// requested users without ratings get an empty entry
	for _, u := range input.PredictUsers {
		if _, ok := space.FirstRowOfUser(u); !ok {
			output.Predictions = append(output.Predictions, UserPredictions{User: u, Items: []ItemPrediction{}})
		}
	}

	output.Fit, err = recsys.Evaluate(predicted, observed)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("run_id", runID).
		Int("epochs", report.Epochs).
		Str("state", report.State.String()).
		Float64("rmse", output.Fit.RMSE).
		Float64("mae", output.Fit.MAE).
		Msg("run complete")
	return output, nil
}
