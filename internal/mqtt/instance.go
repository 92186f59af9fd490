package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceFile = "instance_id"

// ResolveClientID returns configured when set. Otherwise the client id is
// derived from the instance id persisted in dataDir, so a restarted
// process reconnects as the same client.
func ResolveClientID(configured, dataDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	id, err := loadOrCreateInstanceID(dataDir)
	if err != nil {
		return "", err
	}
	return clientID(id), nil
}

// loadOrCreateInstanceID reads the instance id from dataDir. A missing or
// unparsable file is replaced with a fresh UUIDv7.
func loadOrCreateInstanceID(dataDir string) (uuid.UUID, error) {
	path := filepath.Join(dataDir, instanceFile)

	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return uuid.Nil, fmt.Errorf("persist instance id to %s: %w", path, err)
	}
	return id, nil
}

// clientID uses the random tail of the id. The leading bytes of a
// UUIDv7 are a timestamp and collide for instances created together.
func clientID(id uuid.UUID) string {
	s := id.String()
	return "tracewise-" + s[len(s)-12:]
}
