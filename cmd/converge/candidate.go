package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"

	"github.com/kingrea/converge/internal/evaluate"
)

var errTerminalStdin = errors.New("converge: --asset - needs the candidate piped on stdin")

// readCandidate loads the artifact named by --asset. "-" reads stdin, a path
// is read from disk (and re-read by run-edge on every iteration), and an
// empty value evaluates without candidate text.
func readCandidate(stdin io.Reader, asset string, meta map[string]any) (evaluate.Candidate, error) {
	candidate := evaluate.Candidate{Context: meta}
	switch asset {
	case "":
		return candidate, nil
	case "-":
		if isTerminal(stdin) {
			return candidate, errTerminalStdin
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return candidate, fmt.Errorf("converge: read stdin: %w", err)
		}
		candidate.Path = "-"
		candidate.Content = string(data)
		return candidate, nil
	}
	path, err := filepath.Abs(asset)
	if err != nil {
		return candidate, fmt.Errorf("converge: resolve %s: %w", asset, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return candidate, fmt.Errorf("converge: read asset: %w", err)
	}
	candidate.Path = path
	candidate.Content = string(data)
	return candidate, nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
