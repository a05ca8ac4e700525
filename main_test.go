package main

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/config"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/ratings"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/recsys"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/upload"
)

// rankOneRatings is u_i·v_j for u = (1, 2, 1.5, 0.5) and v = (2, 1, 1.5),
// with (3, 0) left unrated.
func rankOneRatings() []RatingInput {
	u := []float64{1, 2, 1.5, 0.5}
	v := []float64{2, 1, 1.5}
	var out []RatingInput
	for i := range u {
		for j := range v {
			if i == 3 && j == 0 {
				continue
			}
			out = append(out, RatingInput{User: i, Item: j, Rating: u[i] * v[j]})
		}
	}
	return out
}

func TestKeyGenBundle(t *testing.T) {
	out, err := generateKeyBundle(13)
	if err != nil {
		t.Fatal(err)
	}
	if out.LogN != 13 || out.Slots != 1<<13 {
		t.Errorf("got logN %d slots %d", out.LogN, out.Slots)
	}
	if out.PlaintextModulus != he.DefaultPlaintextModulus {
		t.Errorf("plaintext modulus %d", out.PlaintextModulus)
	}

	lit, err := he.Preset(13)
	if err != nil {
		t.Fatal(err)
	}
	params, err := he.NewParameters(lit)
	if err != nil {
		t.Fatal(err)
	}
	bundle := &he.KeyBundle{PublicKey: out.PublicKey, RelinearizationKey: out.RelinearizationKey}
	if _, err := he.DecodePublicKeys(params, bundle); err != nil {
		t.Errorf("public keys do not decode: %v", err)
	}
	if _, err := upload.DecodePublicKey(out.UploadPublicKey); err != nil {
		t.Errorf("upload key does not decode: %v", err)
	}
}

func TestKeyGenRejectsUnknownRing(t *testing.T) {
	if _, err := generateKeyBundle(12); err == nil {
		t.Error("expected error for logN 12")
	}
}

func TestSimulatedTraining(t *testing.T) {
	cfg := config.Default()
	cfg.Training.MaxEpochs = 30
	cfg.Training.InitJitter = 0.05

	input := TrainInput{Ratings: rankOneRatings(), Simulate: true}
	out, err := runTraining(input, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if out.Report == nil || out.Report.Epochs == 0 {
		t.Fatalf("no epochs run: %+v", out.Report)
	}
	if out.Report.State != recsys.Converged && out.Report.State != recsys.EpochLimitReached {
		t.Errorf("unexpected final state %s", out.Report.State)
	}
	if out.Fit.N != len(input.Ratings) {
		t.Errorf("fit over %d ratings, want %d", out.Fit.N, len(input.Ratings))
	}
	if math.IsNaN(out.Fit.RMSE) || out.Fit.RMSE > 1.5 {
		t.Errorf("rmse %g", out.Fit.RMSE)
	}

	if len(out.Predictions) != 4 {
		t.Fatalf("got predictions for %d users", len(out.Predictions))
	}
	for _, p := range out.Predictions {
		if len(p.Items) != 3 {
			t.Errorf("user %d: %d items", p.User, len(p.Items))
		}
		if !sort.SliceIsSorted(p.Items, func(i, j int) bool { return p.Items[i].Item < p.Items[j].Item }) {
			t.Errorf("user %d: items not sorted", p.User)
		}
	}
}

func TestSimulatedTrainingSelectedUsers(t *testing.T) {
	cfg := config.Default()
	cfg.Training.MaxEpochs = 2

	input := TrainInput{Ratings: rankOneRatings(), PredictUsers: []int{1, 9}, Simulate: true}
	out, err := runTraining(input, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Predictions) != 2 {
		t.Fatalf("got %d entries, want 2", len(out.Predictions))
	}
	if out.Predictions[0].User != 1 || len(out.Predictions[0].Items) != 3 {
		t.Errorf("user 1 entry: %+v", out.Predictions[0])
	}
	if out.Predictions[1].User != 9 || len(out.Predictions[1].Items) != 0 {
		t.Errorf("unknown user entry: %+v", out.Predictions[1])
	}
}

func TestTrainingRejectsBadRatings(t *testing.T) {
	cfg := config.Default()
	cases := map[string][]RatingInput{
		"empty":     nil,
		"negative":  {{User: 0, Item: 0, Rating: -1}},
		"too large": {{User: 0, Item: 0, Rating: 6}},
		"duplicate": {{User: 0, Item: 0, Rating: 1}, {User: 0, Item: 0, Rating: 2}},
	}
	for name, rs := range cases {
		if _, err := runTraining(TrainInput{Ratings: rs, Simulate: true}, cfg, zerolog.Nop()); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// TestCSPViewIsIndependent verifies the CSP's copy of M is a separate value
// with the same digest, so the driver's digest check compares two relations.
func TestCSPViewIsIndependent(t *testing.T) {
	space, err := ratings.NewSpace([]ratings.Pair{{User: 0, Item: 1}, {User: 2, Item: 0}})
	if err != nil {
		t.Fatal(err)
	}
	view, err := cspView(space)
	if err != nil {
		t.Fatal(err)
	}
	if view == space {
		t.Fatal("CSP view shares the RE's space")
	}
	if view.Digest() != space.Digest() {
		t.Error("CSP view digest differs from the RE's")
	}
}

func withStdin(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stdin.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	old := os.Stdin
	os.Stdin = f
	t.Cleanup(func() {
		os.Stdin = old
		f.Close()
	})
}

func TestDecodeInput(t *testing.T) {
	withStdin(t, `{"ratings": [{"user": 1, "item": 2, "rating": 3.5}], "simulate": true}`)
	var input TrainInput
	if err := decodeInput(&input); err != nil {
		t.Fatal(err)
	}
	if !input.Simulate || len(input.Ratings) != 1 || input.Ratings[0] != (RatingInput{User: 1, Item: 2, Rating: 3.5}) {
		t.Errorf("decoded %+v", input)
	}
}

func TestDecodeInputEmpty(t *testing.T) {
	withStdin(t, "  \n")
	var input KeyGenInput
	if err := decodeInput(&input); err != nil {
		t.Fatal(err)
	}
	if input.LogN != 0 {
		t.Errorf("logN %d", input.LogN)
	}
}

func TestDecodeInputMalformed(t *testing.T) {
	withStdin(t, `{"log_n": `)
	var input KeyGenInput
	if err := decodeInput(&input); err == nil {
		t.Error("expected parse error")
	}
}
