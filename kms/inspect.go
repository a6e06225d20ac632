package kms

import (
	"fmt"
	"os"

	"github.com/Oblong/waypositor/engine"
)

// Inspect takes a one-shot resource snapshot without acquiring the master
// lease. Tool mode uses this so it can run next to a live compositor.
func Inspect(path string) (*engine.Snapshot, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrDeviceOpenFailed, err)
	}
	defer file.Close()

	snap, _, err := readSnapshot(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrNoResources, err)
	}
	return snap, nil
}
