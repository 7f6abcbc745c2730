package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func generateID() string {
	return uuid.NewString()
}

// generateStreamKey mints the secret a broadcaster presents to the ingest
// server. Keys are upper-hex so they survive copy-paste into encoder UIs.
func generateStreamKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(bytes)), nil
}
