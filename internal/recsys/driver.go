// driver.go: Gradient-descent driver run by the Recommendation Engine
//
// One epoch walks the state machine
//
//	Idle -> ComputingResidual -> AwaitingCSPSum -> UpdatingGradients ->
//	AwaitingCSPGroup -> Unmasking -> EvaluatingStop -> Idle | Converged | EpochLimitReached
//
// and any error moves the driver to Failed, after which it refuses to run.
//
// Scales (α base bits, β learning-rate bits):
//   - U, V, UHat, VHat, r and R sit at 2^α
//   - f = U·V - 2^α·r sits at 2^{2α}; the CSP sums its slots and shifts by α
//   - UGradient' = V·R + λ·UHat sits at 2^{2α}; the CSP shifts by α and sums per user
//   - U' = 2^{α+β}·UHat - γ·UGradient' sits at 2^{2α+β}; the CSP shifts by α+β
//
// Every value sent to the CSP carries a fresh mask 2^s·η, where s is the shift
// the CSP applies. The RE removes the CSP transform of η from the reply.

package recsys

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/config"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/fixedpoint"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/mask"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/ratings"
)

// ErrNotInitialised is returned when an epoch or query runs before Initialize.
var ErrNotInitialised = errors.New("embeddings not initialised")

// EpochResult records the stopping verdict of one epoch.
type EpochResult struct {
	Epoch         int  `json:"epoch"`
	UserConverged bool `json:"user_converged"`
	ItemConverged bool `json:"item_converged"`
}

// Report summarises a training run.
type Report struct {
	RunID   string        `json:"run_id"`
	Epochs  int           `json:"epochs"`
	State   State         `json:"state"`
	History []EpochResult `json:"history"`
}

// Driver is the RE.GradientDescentDriver. It is not safe for concurrent use;
// it parallelises internally within an epoch step.
type Driver struct {
	engine he.Engine
	csp    CSP
	space  *ratings.Space
	masks  *mask.Generator
	scale  fixedpoint.Scale
	cfg    config.Training
	logger zerolog.Logger

	lambda    int64 // λ at 2^α
	gamma     int64 // γ at 2^β
	threshold int64 // stopping threshold at 2^{2α}

	r                []he.Ciphertext
	u, v, uHat, vHat []he.Ciphertext
	res              []he.Ciphertext
	uGrad, vGrad     []he.Ciphertext

	state   State
	epoch   int
	err     error
	history []EpochResult
}

// NewDriver prepares a training run over M. r holds one rating ciphertext per
// entry of M at scale 2^α in slot 0. The engine must not hold the secret key.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewDriver(engine he.Engine, csp CSP, space *ratings.Space, r []he.Ciphertext, masks *mask.Generator,
	scale fixedpoint.Scale, cfg config.Training, logger zerolog.Logger) (*Driver, error) {
	if engine.CanDecrypt() {
		return nil, fmt.Errorf("the RE engine must not hold the secret key")
	}
	if err := scale.Validate(); err != nil {
		return nil, err
	}
	if cfg.Dims <= 0 || cfg.Dims > engine.Slots() {
		return nil, fmt.Errorf("dims %d outside [1, %d]", cfg.Dims, engine.Slots())
	}
	if cfg.MaxEpochs <= 0 {
		return nil, fmt.Errorf("max_epochs must be positive, got %d", cfg.MaxEpochs)
	}
	if cfg.StopCombine != config.StopCombineEither && cfg.StopCombine != config.StopCombineBoth {
		return nil, fmt.Errorf("unknown stop_combine policy %q", cfg.StopCombine)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if err := space.CheckRows("ratings", len(r)); err != nil {
		return nil, err
	}
	if csp.Digest() != space.Digest() {
		return nil, fmt.Errorf("%w: RE and CSP hold different rating relations", ratings.ErrAlignment)
	}

	return &Driver{
		engine:    engine,
		csp:       csp,
		space:     space,
		masks:     masks,
		scale:     scale,
		cfg:       cfg,
		logger:    logger.With().Str("component", "re").Str("run_id", masks.RunID()).Logger(),
		lambda:    scale.Encode(cfg.Lambda),
		gamma:     scale.EncodeRate(cfg.Gamma),
		threshold: scale.EncodeSquared(cfg.Threshold),
		r:         r,
		state:     Idle,
	}, nil
}

// State is the current position in the epoch state machine.
func (d *Driver) State() State { return d.state }

// Epochs is the number of completed epochs.
func (d *Driver) Epochs() int { return d.epoch }

// Err is the error that moved the driver to Failed, if any.
func (d *Driver) Err() error { return d.err }

// Embeddings returns the current encrypted U, V, UHat and VHat.
func (d *Driver) Embeddings() (u, v, uHat, vHat []he.Ciphertext) {
	return d.u, d.v, d.uHat, d.vHat
}

// Residuals returns the encrypted residuals R of the last epoch, one per entry of M.
func (d *Driver) Residuals() []he.Ciphertext { return d.res }

// Gradients returns the per-user and per-item gradients of the last epoch.
func (d *Driver) Gradients() (uGrad, vGrad []he.Ciphertext) { return d.uGrad, d.vGrad }

func (d *Driver) transition(s State) {
	d.logger.Debug().Str("from", d.state.String()).Str("to", s.String()).Int("epoch", d.epoch).Msg("state transition")
	d.state = s
}

func (d *Driver) fail(err error) error {
	d.err = err
	d.logger.Error().Err(err).Str("state", d.state.String()).Int("epoch", d.epoch).Msg("training run aborted")
	d.state = Failed
	return err
}

// Initialize encrypts the starting embeddings: init_value at 2^α plus a
// seeded jitter, identical across every entry of the same user or item.
func (d *Driver) Initialize() error {
	if d.u != nil || d.state != Idle {
		return fmt.Errorf("cannot initialise a driver in state %s after %d epochs", d.state, d.epoch)
	}
	rng := rand.New(rand.NewSource(d.cfg.Seed)) //nolint:gosec // initial embeddings need reproducibility, not secrecy

	u, uHat, err := d.initialSide(ratings.ByUser, rng)
	if err != nil {
		return d.fail(fmt.Errorf("initialise U: %w", err))
	}
	v, vHat, err := d.initialSide(ratings.ByItem, rng)
	if err != nil {
		return d.fail(fmt.Errorf("initialise V: %w", err))
	}
	d.u, d.uHat, d.v, d.vHat = u, uHat, v, vHat

	d.logger.Info().
		Int("entries", d.space.Len()).
		Int("users", d.space.NumUsers()).
		Int("items", d.space.NumItems()).
		Int("dims", d.cfg.Dims).
		Msg("embeddings initialised")
	return nil
}

func (d *Driver) initialSide(k ratings.Key, rng *rand.Rand) ([]he.Ciphertext, []he.Ciphertext, error) {
	groups := make([]ratings.Vector, d.space.NumGroups(k))
	for g := range groups {
		row := make(ratings.Vector, d.cfg.Dims)
		for j := range row {
			jitter := (2*rng.Float64() - 1) * d.cfg.InitJitter
			row[j] = d.scale.Encode(d.cfg.InitValue + jitter)
		}
		groups[g] = row
	}
	full, err := d.space.Reconstitute(k, groups)
	if err != nil {
		return nil, nil, err
	}
	hat, err := d.space.Hat(k, full)
	if err != nil {
		return nil, nil, err
	}
	emb, err := d.encryptRows(full)
	if err != nil {
		return nil, nil, err
	}
	embHat, err := d.encryptRows(hat)
	if err != nil {
		return nil, nil, err
	}
	return emb, embHat, nil
}

func (d *Driver) encryptRows(rows []ratings.Vector) ([]he.Ciphertext, error) {
	out := make([]he.Ciphertext, len(rows))
	err := d.parallel(len(rows), func(e he.Engine, i int) error {
		ct, err := e.Encrypt(rows[i])
		out[i] = ct
		return err
	})
	return out, err
}

// Train runs epochs until the stopping criterion holds or max_epochs is reached.
func (d *Driver) Train() (*Report, error) {
	if d.u == nil {
		if err := d.Initialize(); err != nil {
			return d.Report(), err
		}
	}
	d.logger.Info().Int("max_epochs", d.cfg.MaxEpochs).Msg("training started")

	for !d.state.Terminal() {
		if _, err := d.Epoch(); err != nil {
			return d.Report(), err
		}
	}

	d.logger.Info().Int("epochs", d.epoch).Str("state", d.state.String()).Msg("training finished")
	return d.Report(), nil
}

// Report summarises the run so far.
func (d *Driver) Report() *Report {
	return &Report{
		RunID:   d.masks.RunID(),
		Epochs:  d.epoch,
		State:   d.state,
		History: append([]EpochResult(nil), d.history...),
	}
}

// Epoch runs one full traversal of M.
func (d *Driver) Epoch() (EpochResult, error) {
	if d.state.Terminal() {
		if d.err != nil {
			return EpochResult{}, fmt.Errorf("driver is %s: %w", d.state, d.err)
		}
		return EpochResult{}, fmt.Errorf("driver is %s", d.state)
	}
	if d.u == nil {
		return EpochResult{}, ErrNotInitialised
	}

	if err := d.computeResidual(); err != nil {
		return EpochResult{}, d.fail(err)
	}
	if err := d.updateEmbeddings(); err != nil {
		return EpochResult{}, d.fail(err)
	}

	d.transition(EvaluatingStop)
	userConverged, itemConverged, err := d.StoppingCriterionCheck()
	if err != nil {
		return EpochResult{}, d.fail(err)
	}

	d.epoch++
	result := EpochResult{Epoch: d.epoch, UserConverged: userConverged, ItemConverged: itemConverged}
	d.history = append(d.history, result)

	stop := userConverged || itemConverged
	if d.cfg.StopCombine == config.StopCombineBoth {
		stop = userConverged && itemConverged
	}
	switch {
	case stop:
		d.transition(Converged)
	case d.epoch >= d.cfg.MaxEpochs:
		d.transition(EpochLimitReached)
	default:
		d.transition(Idle)
	}

	d.logger.Debug().
		Int("epoch", d.epoch).
		Bool("user_converged", userConverged).
		Bool("item_converged", itemConverged).
		Msg("epoch complete")
	return result, nil
}

// computeResidual produces R = ⌊(U·V - 2^α·r) summed over slots / 2^α⌋,
// broadcast to every slot.
func (d *Driver) computeResidual() error {
	n := d.space.Len()
	d.transition(ComputingResidual)

	eps, err := d.masks.New(n, d.cfg.Dims, d.scale.Alpha)
	if err != nil {
		return err
	}
	defer eps.Release()

	one := d.scale.One()
	f := make([]he.Ciphertext, n)
	err = d.parallel(n, func(e he.Engine, i int) error {
		uv, err := e.Mul(d.u[i], d.v[i])
		if err != nil {
			return err
		}
		r, err := e.MulScalar(d.r[i], one)
		if err != nil {
			return err
		}
		fi, err := e.Sub(uv, r)
		if err != nil {
			return err
		}
		f[i], err = e.AddPlain(fi, eps.Row(i))
		return err
	})
	if err != nil {
		return fmt.Errorf("residual: %w", err)
	}

	d.transition(AwaitingCSPSum)
	masked, err := d.csp.SumF(f)
	if err != nil {
		return fmt.Errorf("csp sumF: %w", err)
	}
	if err := d.space.CheckRows("sumF reply", len(masked)); err != nil {
		return err
	}

	sums := eps.SlotSums(d.cfg.Dims)
	res := make([]he.Ciphertext, n)
	err = d.parallel(n, func(e he.Engine, i int) error {
		var err error
		res[i], err = e.SubPlain(masked[i], broadcast(sums[i], d.cfg.Dims))
		return err
	})
	if err != nil {
		return fmt.Errorf("unmask residual: %w", err)
	}
	d.res = res
	return nil
}

// updateEmbeddings computes the masked gradient and update pre-images, lets
// the CSP group them and removes the masks from the replies.
func (d *Driver) updateEmbeddings() error {
	n := d.space.Len()
	dims := d.cfg.Dims
	d.transition(UpdatingGradients)

	epsUG, err := d.masks.New(n, dims, d.scale.Alpha)
	if err != nil {
		return err
	}
	defer epsUG.Release()
	epsVG, err := d.masks.New(n, dims, d.scale.Alpha)
	if err != nil {
		return err
	}
	defer epsVG.Release()
	epsU, err := d.masks.New(n, dims, d.scale.UpdateShift())
	if err != nil {
		return err
	}
	defer epsU.Release()
	epsV, err := d.masks.New(n, dims, d.scale.UpdateShift())
	if err != nil {
		return err
	}
	defer epsV.Release()

	hatScale := int64(1) << d.scale.UpdateShift()
	ugM := make([]he.Ciphertext, n)
	vgM := make([]he.Ciphertext, n)
	uPM := make([]he.Ciphertext, n)
	vPM := make([]he.Ciphertext, n)
	err = d.parallel(n, func(e he.Engine, i int) error {
		ug, up, err := d.preImages(e, d.v[i], d.uHat[i], d.res[i], hatScale)
		if err != nil {
			return fmt.Errorf("user side: %w", err)
		}
		vg, vp, err := d.preImages(e, d.u[i], d.vHat[i], d.res[i], hatScale)
		if err != nil {
			return fmt.Errorf("item side: %w", err)
		}
		if ugM[i], err = e.AddPlain(ug, epsUG.Row(i)); err != nil {
			return err
		}
		if vgM[i], err = e.AddPlain(vg, epsVG.Row(i)); err != nil {
			return err
		}
		if uPM[i], err = e.AddPlain(up, epsU.Row(i)); err != nil {
			return err
		}
		vPM[i], err = e.AddPlain(vp, epsV.Row(i))
		return err
	})
	if err != nil {
		return fmt.Errorf("gradients: %w", err)
	}

	d.transition(AwaitingCSPGroup)
	u, uHat, err := d.csp.NewUAndUHat(uPM)
	if err != nil {
		return fmt.Errorf("csp newU: %w", err)
	}
	v, vHat, err := d.csp.NewVAndVHat(vPM)
	if err != nil {
		return fmt.Errorf("csp newV: %w", err)
	}
	uGrad, err := d.csp.NewUGradient(ugM)
	if err != nil {
		return fmt.Errorf("csp uGradient: %w", err)
	}
	vGrad, err := d.csp.NewVGradient(vgM)
	if err != nil {
		return fmt.Errorf("csp vGradient: %w", err)
	}
	for _, c := range []struct {
		what string
		got  int
		want int
	}{
		{"newU reply", len(u), n}, {"newUHat reply", len(uHat), n},
		{"newV reply", len(v), n}, {"newVHat reply", len(vHat), n},
		{"uGradient reply", len(uGrad), d.space.NumUsers()},
		{"vGradient reply", len(vGrad), d.space.NumItems()},
	} {
		if c.got != c.want {
			return fmt.Errorf("%w: %s has %d ciphertexts, want %d", ratings.ErrAlignment, c.what, c.got, c.want)
		}
	}

	d.transition(Unmasking)
	etaU, etaUHat, err := d.embeddingMaskImage(ratings.ByUser, epsU)
	if err != nil {
		return err
	}
	etaV, etaVHat, err := d.embeddingMaskImage(ratings.ByItem, epsV)
	if err != nil {
		return err
	}
	etaUG, err := d.space.Aggregate(ratings.ByUser, epsUG.Eta())
	if err != nil {
		return err
	}
	etaVG, err := d.space.Aggregate(ratings.ByItem, epsVG.Eta())
	if err != nil {
		return err
	}

	if d.u, err = d.unmask(u, etaU); err != nil {
		return fmt.Errorf("unmask U: %w", err)
	}
	if d.uHat, err = d.unmask(uHat, etaUHat); err != nil {
		return fmt.Errorf("unmask UHat: %w", err)
	}
	if d.v, err = d.unmask(v, etaV); err != nil {
		return fmt.Errorf("unmask V: %w", err)
	}
	if d.vHat, err = d.unmask(vHat, etaVHat); err != nil {
		return fmt.Errorf("unmask VHat: %w", err)
	}
	if d.uGrad, err = d.unmask(uGrad, etaUG); err != nil {
		return fmt.Errorf("unmask user gradient: %w", err)
	}
	if d.vGrad, err = d.unmask(vGrad, etaVG); err != nil {
		return fmt.Errorf("unmask item gradient: %w", err)
	}
	return nil
}

// preImages computes, for one side of entry i,
//
//	g' = other·R + λ·hat
//	p' = 2^{α+β}·hat - γ·g'
func (d *Driver) preImages(e he.Engine, other, hat, res he.Ciphertext, hatScale int64) (he.Ciphertext, he.Ciphertext, error) {
	prod, err := e.Mul(other, res)
	if err != nil {
		return nil, nil, err
	}
	reg, err := e.MulScalar(hat, d.lambda)
	if err != nil {
		return nil, nil, err
	}
	g, err := e.Add(prod, reg)
	if err != nil {
		return nil, nil, err
	}
	base, err := e.MulScalar(hat, hatScale)
	if err != nil {
		return nil, nil, err
	}
	step, err := e.MulScalar(g, d.gamma)
	if err != nil {
		return nil, nil, err
	}
	p, err := e.Sub(base, step)
	if err != nil {
		return nil, nil, err
	}
	return g, p, nil
}

// embeddingMaskImage applies the CSP's regroup and hat transforms to η.
func (d *Driver) embeddingMaskImage(k ratings.Key, eps *mask.Mask) ([]ratings.Vector, []ratings.Vector, error) {
	full, err := d.space.Regroup(k, eps.Eta())
	if err != nil {
		return nil, nil, err
	}
	hat, err := d.space.Hat(k, full)
	if err != nil {
		return nil, nil, err
	}
	return full, hat, nil
}

func (d *Driver) unmask(cts []he.Ciphertext, eta []ratings.Vector) ([]he.Ciphertext, error) {
	if len(cts) != len(eta) {
		return nil, fmt.Errorf("%w: %d ciphertexts for %d mask rows", ratings.ErrAlignment, len(cts), len(eta))
	}
	out := make([]he.Ciphertext, len(cts))
	err := d.parallel(len(cts), func(e he.Engine, i int) error {
		var err error
		out[i], err = e.SubPlain(cts[i], eta[i])
		return err
	})
	return out, err
}

// StoppingCriterionCheck squares the last gradients and asks the CSP whether
// their slot-wise sums fall under the threshold. The CSP only sees masked
// squares and a threshold offset by the same mask sums.
func (d *Driver) StoppingCriterionCheck() (bool, bool, error) {
	if d.uGrad == nil || d.vGrad == nil {
		return false, false, fmt.Errorf("no gradients yet: run an epoch first")
	}
	uSq, su, err := d.maskedSquares(d.uGrad)
	if err != nil {
		return false, false, fmt.Errorf("user gradient squares: %w", err)
	}
	vSq, sv, err := d.maskedSquares(d.vGrad)
	if err != nil {
		return false, false, fmt.Errorf("item gradient squares: %w", err)
	}
	userConverged, itemConverged, err := d.csp.StoppingVector(uSq, vSq, su, sv)
	if err != nil {
		return false, false, fmt.Errorf("csp stopping vector: %w", err)
	}
	return userConverged, itemConverged, nil
}

func (d *Driver) maskedSquares(grad []he.Ciphertext) ([]he.Ciphertext, []int64, error) {
	dims := d.cfg.Dims
	eps, err := d.masks.New(len(grad), dims, d.scale.Alpha)
	if err != nil {
		return nil, nil, err
	}
	defer eps.Release()

	out := make([]he.Ciphertext, len(grad))
	err = d.parallel(len(grad), func(e he.Engine, i int) error {
		sq, err := e.Square(grad[i])
		if err != nil {
			return err
		}
		out[i], err = e.AddPlain(sq, eps.Row(i))
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	offset := eps.ColumnSums(dims)
	threshold := make([]int64, dims)
	for k := range threshold {
		threshold[k] = d.threshold + offset[k]<<d.scale.Alpha
	}
	return out, threshold, nil
}

func broadcast(x int64, d int) []int64 {
	v := make([]int64, d)
	for k := range v {
		v[k] = x
	}
	return v
}
