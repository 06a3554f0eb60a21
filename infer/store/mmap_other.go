//go:build !unix

package store

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("memory mapping not supported on this platform")

// mapFile is unavailable here; the store falls back to positional reads.
func mapFile(_ *os.File, _ int64) ([]byte, error) {
	return nil, errNoMmap
}

func unmapFile(_ []byte) error { return nil }

func adviseWillNeed(_ []byte) {}
