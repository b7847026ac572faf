//go:build !unix

package index

import (
	"fmt"
	"os"
)

func mapFile(path string) ([]byte, func() error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading segment file: %w", err)
	}
	if len(data) < HeaderSize {
		return nil, nil, corrupt("segment file %s is %d bytes", path, len(data))
	}
	return data, func() error { return nil }, nil
}
