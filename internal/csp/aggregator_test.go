package csp

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/config"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/fixedpoint"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/ratings"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/upload"
)

var testScale = fixedpoint.Scale{Alpha: 10, Beta: 8}

const testDims = 2

// testSpace is M = [(0,0),(0,1),(1,0),(2,1),(2,2)].
func testSpace(t *testing.T) *ratings.Space {
	t.Helper()
	s, err := ratings.NewSpace([]ratings.Pair{
		{User: 0, Item: 0}, {User: 0, Item: 1}, {User: 1, Item: 0}, {User: 2, Item: 1}, {User: 2, Item: 2},
	})
	require.NoError(t, err)
	return s
}

func testAggregator(t *testing.T, s *ratings.Space, policy string) (*Aggregator, he.Engine) {
	t.Helper()
	e := he.NewClear(8, he.DefaultPlaintextModulus, true)
	a, err := NewAggregator(e, s, testScale, testDims, policy, zerolog.Nop())
	require.NoError(t, err)
	return a, e
}

func seal(t *testing.T, e he.Engine, rows []ratings.Vector) []he.Ciphertext {
	t.Helper()
	out := make([]he.Ciphertext, len(rows))
	for i, r := range rows {
		ct, err := e.Encrypt(r)
		require.NoError(t, err)
		out[i] = ct
	}
	return out
}

func open(t *testing.T, e he.Engine, cts []he.Ciphertext) []ratings.Vector {
	t.Helper()
	rows, err := he.DecryptAll(e, cts, testDims)
	require.NoError(t, err)
	out := make([]ratings.Vector, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

func addScaled(x, eta []ratings.Vector, shift int) []ratings.Vector {
	out := make([]ratings.Vector, len(x))
	for i := range x {
		out[i] = make(ratings.Vector, len(x[i]))
		for k := range x[i] {
			out[i][k] = x[i][k] + eta[i][k]<<shift
		}
	}
	return out
}

func sub(a, b []ratings.Vector) []ratings.Vector {
	out := make([]ratings.Vector, len(a))
	for i := range a {
		out[i] = make(ratings.Vector, len(a[i]))
		for k := range a[i] {
			out[i][k] = a[i][k] - b[i][k]
		}
	}
	return out
}

var (
	plainRows = []ratings.Vector{{3000, -700}, {1 << 20, 5}, {-4097, -1}, {0, 12345}, {999, 1}}
	etaRows   = []ratings.Vector{{17, 900001}, {3, 0}, {524287, 1}, {42, 42}, {1, 1 << 19}}
)

func TestSumF(t *testing.T) {
	a, e := testAggregator(t, testSpace(t), config.StopSlotsAll)

	out, err := a.SumF(seal(t, e, plainRows))
	require.NoError(t, err)
	got := open(t, e, out)

	for i, row := range plainRows {
		want := fixedpoint.Rescale(row[0]+row[1], testScale.Alpha)
		if diff := cmp.Diff(ratings.Vector{want, want}, got[i]); diff != "" {
			t.Errorf("row %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

// TestSumFMaskCancellation verifies subtracting the slot sum of η recovers the
// unmasked residual exactly.
func TestSumFMaskCancellation(t *testing.T) {
	a, e := testAggregator(t, testSpace(t), config.StopSlotsAll)

	plain, err := a.SumF(seal(t, e, plainRows))
	require.NoError(t, err)
	masked, err := a.SumF(seal(t, e, addScaled(plainRows, etaRows, testScale.Alpha)))
	require.NoError(t, err)

	got := open(t, e, masked)
	for i, eta := range etaRows {
		s := eta[0] + eta[1]
		got[i] = ratings.Vector{got[i][0] - s, got[i][1] - s}
	}
	if diff := cmp.Diff(open(t, e, plain), got); diff != "" {
		t.Errorf("unmasked sumF differs (-plain +unmasked):\n%s", diff)
	}
}

// TestNewUAndUHatMaskCancellation verifies the regroup and hat transforms of η
// cancel the masks on both outputs.
func TestNewUAndUHatMaskCancellation(t *testing.T) {
	s := testSpace(t)
	a, e := testAggregator(t, s, config.StopSlotsAll)
	shift := testScale.UpdateShift()

	plainU, plainHat, err := a.NewUAndUHat(seal(t, e, plainRows))
	require.NoError(t, err)
	maskedU, maskedHat, err := a.NewUAndUHat(seal(t, e, addScaled(plainRows, etaRows, shift)))
	require.NoError(t, err)

	etaU, err := s.Regroup(ratings.ByUser, etaRows)
	require.NoError(t, err)
	etaHat, err := s.Hat(ratings.ByUser, etaU)
	require.NoError(t, err)

	if diff := cmp.Diff(open(t, e, plainU), sub(open(t, e, maskedU), etaU)); diff != "" {
		t.Errorf("U mismatch (-plain +unmasked):\n%s", diff)
	}
	if diff := cmp.Diff(open(t, e, plainHat), sub(open(t, e, maskedHat), etaHat)); diff != "" {
		t.Errorf("UHat mismatch (-plain +unmasked):\n%s", diff)
	}

	// rows 0 and 1 share user 0, rows 3 and 4 share user 2
	u := open(t, e, plainU)
	require.Equal(t, u[0], u[1])
	require.Equal(t, u[3], u[4])
	hat := open(t, e, plainHat)
	require.Equal(t, ratings.Vector{0, 0}, hat[1])
	require.Equal(t, ratings.Vector{0, 0}, hat[4])
	require.Equal(t, u[0], hat[0])

	want := fixedpoint.Rescale(plainRows[0][0], shift) + fixedpoint.Rescale(plainRows[1][0], shift)
	require.Equal(t, want, u[0][0])
}

func TestNewVAndVHatGroupsByItem(t *testing.T) {
	s := testSpace(t)
	a, e := testAggregator(t, s, config.StopSlotsAll)
	shift := testScale.UpdateShift()

	rows := []ratings.Vector{{1 << shift, 0}, {2 << shift, 0}, {4 << shift, 0}, {8 << shift, 0}, {16 << shift, 0}}
	v, vHat, err := a.NewVAndVHat(seal(t, e, rows))
	require.NoError(t, err)

	// item 0 at rows 0,2; item 1 at rows 1,3; item 2 at row 4
	got := open(t, e, v)
	wantFirst := []int64{5, 10, 5, 10, 16}
	for i, w := range wantFirst {
		require.Equal(t, w, got[i][0], "row %d", i)
	}
	hat := open(t, e, vHat)
	require.Equal(t, int64(0), hat[2][0])
	require.Equal(t, int64(0), hat[3][0])
	require.Equal(t, int64(16), hat[4][0])
}

func TestNewGradientAggregates(t *testing.T) {
	s := testSpace(t)
	a, e := testAggregator(t, s, config.StopSlotsAll)
	alpha := testScale.Alpha

	masked := addScaled(plainRows, etaRows, alpha)
	ug, err := a.NewUGradient(seal(t, e, masked))
	require.NoError(t, err)
	vg, err := a.NewVGradient(seal(t, e, masked))
	require.NoError(t, err)
	require.Len(t, ug, s.NumUsers())
	require.Len(t, vg, s.NumItems())

	shifted := make([]ratings.Vector, len(plainRows))
	for i, r := range plainRows {
		shifted[i] = r.Clone()
		fixedpoint.RescaleVector(shifted[i], alpha)
	}
	wantU, err := s.AggregateByUser(shifted)
	require.NoError(t, err)
	etaU, err := s.AggregateByUser(etaRows)
	require.NoError(t, err)
	if diff := cmp.Diff(wantU, sub(open(t, e, ug), etaU)); diff != "" {
		t.Errorf("user gradient mismatch (-want +got):\n%s", diff)
	}

	wantV, err := s.AggregateByItem(shifted)
	require.NoError(t, err)
	etaV, err := s.AggregateByItem(etaRows)
	require.NoError(t, err)
	if diff := cmp.Diff(wantV, sub(open(t, e, vg), etaV)); diff != "" {
		t.Errorf("item gradient mismatch (-want +got):\n%s", diff)
	}
}

func TestStoppingVectorPolicies(t *testing.T) {
	s := testSpace(t)
	users := []ratings.Vector{{10, 100}, {10, 100}, {10, 100}} // sums 30, 300
	items := []ratings.Vector{{1, 1}, {1, 1}, {1, 1}}          // sums 3, 3

	all, e := testAggregator(t, s, config.StopSlotsAll)
	uc, ic, err := all.StoppingVector(seal(t, e, users), seal(t, e, items), []int64{30, 299}, []int64{3, 3})
	require.NoError(t, err)
	require.False(t, uc, "one slot above threshold must not converge under all")
	require.True(t, ic)

	anyAgg, e := testAggregator(t, s, config.StopSlotsAny)
	uc, ic, err = anyAgg.StoppingVector(seal(t, e, users), seal(t, e, items), []int64{30, 299}, []int64{2, 2})
	require.NoError(t, err)
	require.True(t, uc, "one slot under threshold converges under any")
	require.False(t, ic)
}

// TestStoppingMonotonicity verifies a smaller squared-gradient sum never flips
// a converged verdict.
func TestStoppingMonotonicity(t *testing.T) {
	s := testSpace(t)
	a, e := testAggregator(t, s, config.StopSlotsAll)
	threshold := []int64{1000, 1000}
	items := []ratings.Vector{{0, 0}, {0, 0}, {0, 0}}

	converged := false
	for x := int64(1000); x >= 0; x -= 37 {
		users := []ratings.Vector{{x, x}, {x, 0}, {0, x}}
		uc, _, err := a.StoppingVector(seal(t, e, users), seal(t, e, items), threshold, threshold)
		require.NoError(t, err)
		if converged && !uc {
			t.Fatalf("convergence lost at x=%d", x)
		}
		converged = converged || uc
	}
	require.True(t, converged)
}

// TestStoppingSumOverflow verifies many in-range squares whose slot sum leaves
// int64 fail with a scale overflow rather than wrap to a small value.
func TestStoppingSumOverflow(t *testing.T) {
	const n = 2100
	pairs := make([]ratings.Pair, n)
	users := make([]ratings.Vector, n)
	for u := range pairs {
		pairs[u] = ratings.Pair{User: u, Item: 0}
		users[u] = ratings.Vector{1 << 52, 1}
	}
	s, err := ratings.NewSpace(pairs)
	require.NoError(t, err)
	a, e := testAggregator(t, s, config.StopSlotsAll)

	_, _, err = a.StoppingVector(seal(t, e, users), seal(t, e, []ratings.Vector{{0, 0}}), []int64{1, 1}, []int64{1, 1})
	require.ErrorIs(t, err, fixedpoint.ErrScaleOverflow)
}

func TestUiAndVVectors(t *testing.T) {
	s := testSpace(t)
	a, e := testAggregator(t, s, config.StopSlotsAll)

	uHat := []ratings.Vector{{1, 2}, {0, 0}, {3, 4}, {5, 6}, {0, 0}}
	vHat := []ratings.Vector{{10, 11}, {12, 13}, {0, 0}, {0, 0}, {14, 15}}
	u, v, err := a.UiAndVVectors(2, seal(t, e, uHat), seal(t, e, vHat))
	require.NoError(t, err)
	require.Len(t, u, 3)
	require.Len(t, v, 3)

	if diff := cmp.Diff([]ratings.Vector{{5, 6}, {5, 6}, {5, 6}}, open(t, e, u)); diff != "" {
		t.Errorf("user vector mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]ratings.Vector{{10, 11}, {12, 13}, {14, 15}}, open(t, e, v)); diff != "" {
		t.Errorf("item vectors mismatch:\n%s", diff)
	}

	u, v, err = a.UiAndVVectors(99, seal(t, e, uHat), seal(t, e, vHat))
	require.NoError(t, err)
	require.Empty(t, u)
	require.Empty(t, v)
}

func TestReducePredictionAndReveal(t *testing.T) {
	s := testSpace(t)
	a, e := testAggregator(t, s, config.StopSlotsAll)
	one := testScale.One()

	// 3 + 0.5 = 3.5 at scale 2^{2α}
	p := []ratings.Vector{{3 * one * one, one * one / 2}, {one * one, 0}, {0, 0}}
	out, err := a.ReducePredictionVector(seal(t, e, p))
	require.NoError(t, err)

	got, err := a.RevealScalars(out)
	require.NoError(t, err)
	require.Equal(t, []int64{3*one + one/2, one, 0}, got)
}

func TestScaleOverflowIsRejected(t *testing.T) {
	a, e := testAggregator(t, testSpace(t), config.StopSlotsAll)
	rows := make([]ratings.Vector, len(plainRows))
	copy(rows, plainRows)
	rows[3] = ratings.Vector{int64(he.DefaultPlaintextModulus/4) + 1, 0}

	_, err := a.SumF(seal(t, e, rows))
	require.True(t, errors.Is(err, fixedpoint.ErrScaleOverflow), "got %v", err)
}

func TestAlignmentIsRejected(t *testing.T) {
	a, e := testAggregator(t, testSpace(t), config.StopSlotsAll)

	_, err := a.SumF(seal(t, e, plainRows[:4]))
	require.True(t, errors.Is(err, ratings.ErrAlignment), "got %v", err)

	_, _, err = a.StoppingVector(seal(t, e, plainRows[:3]), seal(t, e, plainRows[:3]), []int64{1}, []int64{1, 1})
	require.True(t, errors.Is(err, ratings.ErrAlignment), "got %v", err)
}

func TestDecryptionFailureIsFatal(t *testing.T) {
	a, _ := testAggregator(t, testSpace(t), config.StopSlotsAll)
	// ciphertexts from a ring of another size do not decrypt under the CSP's engine
	short := he.NewClear(1, he.DefaultPlaintextModulus, true)

	rows := make([]he.Ciphertext, 5)
	for i := range rows {
		ct, err := short.Encrypt([]int64{1})
		require.NoError(t, err)
		rows[i] = ct
	}
	_, err := a.SumF(rows)
	require.True(t, errors.Is(err, he.ErrDecryption), "got %v", err)
}

func TestNewAggregatorValidation(t *testing.T) {
	s := testSpace(t)
	noKey := he.NewClear(8, he.DefaultPlaintextModulus, false)
	_, err := NewAggregator(noKey, s, testScale, testDims, config.StopSlotsAll, zerolog.Nop())
	require.True(t, errors.Is(err, he.ErrNoSecretKey))

	e := he.NewClear(8, he.DefaultPlaintextModulus, true)
	_, err = NewAggregator(e, s, testScale, 9, config.StopSlotsAll, zerolog.Nop())
	require.Error(t, err)
	_, err = NewAggregator(e, s, testScale, testDims, "most", zerolog.Nop())
	require.Error(t, err)
}

func TestConvertUpload(t *testing.T) {
	e := he.NewClear(8, he.DefaultPlaintextModulus, true)
	sk, err := upload.GenerateKey()
	require.NoError(t, err)
	svc, err := NewService(e, sk, 6000, zerolog.Nop())
	require.NoError(t, err)

	ct, err := upload.Encrypt(svc.UploadKey(), 4*1024+37)
	require.NoError(t, err)
	out, err := svc.ConvertUpload(ct)
	require.NoError(t, err)
	v, err := e.Decrypt(out)
	require.NoError(t, err)
	require.Equal(t, int64(4*1024+37), v[0])
	require.Equal(t, int64(0), v[1])

	big, err := upload.Encrypt(svc.UploadKey(), 6001)
	require.NoError(t, err)
	_, err = svc.ConvertUpload(big)
	require.True(t, errors.Is(err, upload.ErrDiscreteLog), "got %v", err)
}
