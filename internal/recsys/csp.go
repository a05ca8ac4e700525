// Package recsys implements the Recommendation Engine: the key-less party that
// drives matrix-factorisation gradient descent over encrypted ratings.
package recsys

import (
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/upload"
)

// CSP is the capability the RE consumes from the Crypto Service Provider. Every
// ciphertext passed in is masked by the RE; every returned ciphertext carries
// the CSP transform of that mask.
//
// *csp.Aggregator implements it; tests may substitute any double.
type CSP interface {
	Digest() [32]byte

	SumF(f []he.Ciphertext) ([]he.Ciphertext, error)
	NewUAndUHat(uPrime []he.Ciphertext) (u, uHat []he.Ciphertext, err error)
	NewVAndVHat(vPrime []he.Ciphertext) (v, vHat []he.Ciphertext, err error)
	NewUGradient(g []he.Ciphertext) ([]he.Ciphertext, error)
	NewVGradient(g []he.Ciphertext) ([]he.Ciphertext, error)
	StoppingVector(uGradSq, vGradSq []he.Ciphertext, su, sv []int64) (userConverged, itemConverged bool, err error)

	UiAndVVectors(user int, uHat, vHat []he.Ciphertext) (u, v []he.Ciphertext, err error)
	ReducePredictionVector(p []he.Ciphertext) ([]he.Ciphertext, error)
	RevealScalars(cts []he.Ciphertext) ([]int64, error)
}

// Converter turns a blinded upload ciphertext into an engine ciphertext.
// *csp.Service implements it.
type Converter interface {
	UploadKey() *upload.PublicKey
	ConvertUpload(ct *upload.Ciphertext) (he.Ciphertext, error)
}
