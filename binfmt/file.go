package binfmt

import (
	"os"

	"github.com/pkg/errors"
)

// readFile reads the entire contents of path into memory; the pipeline is
// offline and single-threaded (spec §5), so no streaming is needed.
func readFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return raw, nil
}

// writeFile writes raw to path with executable permissions, matching the
// permissions of a linked binary.
func writeFile(path string, raw []byte) error {
	if err := os.WriteFile(path, raw, 0o755); err != nil {
		return errors.WithStack(err)
	}
	return nil
}
