package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// deviceIDFile is the filename the installation identity lives in,
// next to the database.
const deviceIDFile = "device_id"

// loadDeviceID reads the persisted device identifier from dir,
// generating and persisting a fresh random one on first run. The id
// tags every local write's sync metadata so conflicting writes can be
// traced back to their origin device.
func loadDeviceID(dir string) (string, error) {
	path := filepath.Join(dir, deviceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// Corrupt identity file; regenerate below.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}
