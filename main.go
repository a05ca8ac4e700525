// recsys-tool: Privacy-preserving matrix factorisation CLI for dsVert
//
// This tool trains a matrix-factorisation recommender between two parties:
// a Recommendation Engine (RE) that holds no decryption key, and a Crypto
// Service Provider (CSP) that holds the only BFV secret key. It is designed to
// be called from R via system2().
//
// Usage:
//   recsys-tool <command> [arguments]
//
// Commands:
//   keygen   Generate CSP keys and print the public bundle
//   train    Upload ratings, train, and reveal predictions
//   version  Print version information

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/config"
	"github.com/isglobal-brge/dsVert/recsys-tool/internal/recsys"
)

const VERSION = "0.1.0"

// Input/Output structures for JSON communication with R

type KeyGenInput struct {
	LogN int `json:"log_n"` // Ring dimension (default 14)
}

type KeyGenOutput struct {
	LogN               int    `json:"log_n"`
	Slots              int    `json:"slots"`
	PlaintextModulus   uint64 `json:"plaintext_modulus"`
	PublicKey          string `json:"public_key"`          // Base64 encoded
	RelinearizationKey string `json:"relinearization_key"` // Base64 encoded
	UploadPublicKey    string `json:"upload_public_key"`   // Base64 encoded P-256 point
}

type RatingInput struct {
	User   int     `json:"user"`
	Item   int     `json:"item"`
	Rating float64 `json:"rating"`
}

type TrainInput struct {
	Ratings      []RatingInput `json:"ratings"`
	ConfigPath   string        `json:"config_path,omitempty"`   // Optional TOML file
	PredictUsers []int         `json:"predict_users,omitempty"` // Default: every user
	Simulate     bool          `json:"simulate,omitempty"`      // Use the clear engine instead of BFV
}

type ItemPrediction struct {
	Item   int     `json:"item"`
	Rating float64 `json:"rating"`
}

type UserPredictions struct {
	User  int              `json:"user"`
	Items []ItemPrediction `json:"items"`
}

type TrainOutput struct {
	Report      *recsys.Report    `json:"report"`
	Fit         recsys.Fit        `json:"fit"`
	Predictions []UserPredictions `json:"predictions"`
}

type ErrorOutput struct {
	Error string `json:"error"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "version":
		fmt.Printf(`{"version": "%s"}`, VERSION)
	case "keygen":
		handleKeyGen()
	case "train":
		handleTrain()
	case "help", "-h", "--help":
		printUsage()
	default:
		outputError(fmt.Sprintf("Unknown command: %s", command))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `recsys-tool: Privacy-preserving matrix factorisation CLI for dsVert

Usage:
  recsys-tool <command> < input.json > output.json

Commands:
  keygen   Generate CSP keys and print the public bundle
  train    Upload ratings, train between RE and CSP, and reveal predictions
  version  Print version information
  help     Print this help message

All commands read JSON from stdin and write JSON to stdout.
Logs are written to stderr; see the [log] section of the TOML config.`)
}

func readInput() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

// decodeInput parses stdin into v. Empty input leaves v at its zero value.
func decodeInput(v interface{}) error {
	inputBytes, err := readInput()
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	if len(bytes.TrimSpace(inputBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(inputBytes, v); err != nil {
		return fmt.Errorf("failed to parse input: %w", err)
	}
	return nil
}

func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		outputError(fmt.Sprintf("Failed to encode output: %v", err))
		os.Exit(1)
	}
}

func outputError(msg string) {
	enc := json.NewEncoder(os.Stdout)
	enc.Encode(ErrorOutput{Error: msg})
}

// newLogger builds the stderr logger; stdout carries the JSON result.
func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Handler implementations

func handleKeyGen() {
	var input KeyGenInput
	if err := decodeInput(&input); err != nil {
		outputError(err.Error())
		os.Exit(1)
	}

	output, err := generateKeyBundle(input.LogN)
	if err != nil {
		outputError(fmt.Sprintf("Key generation failed: %v", err))
		os.Exit(1)
	}

	outputJSON(output)
}

func handleTrain() {
	var input TrainInput
	if err := decodeInput(&input); err != nil {
		outputError(err.Error())
		os.Exit(1)
	}

	cfg, err := config.Load(input.ConfigPath)
	if err != nil {
		outputError(err.Error())
		os.Exit(1)
	}

	output, err := runTraining(input, cfg, newLogger(cfg.Log))
	if err != nil {
		outputError(fmt.Sprintf("Training failed: %v", err))
		os.Exit(1)
	}

	outputJSON(output)
}
