package scenario

import (
	"bytes"
	"os"

	"codeberg.org/mutker/thermald/internal/errors"
)

// readSelector returns the first whitespace separated word of a side-channel
// file.
func readSelector(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.New().Wrap(ErrReadSelector, err)
	}

	fields := bytes.Fields(content)
	if len(fields) == 0 {
		return "", nil
	}

	return string(fields[0]), nil
}

func writeSelector(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return errors.New().Wrap(ErrWriteSelector, err)
	}

	return nil
}
