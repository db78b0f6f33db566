package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// HashPath returns the file holding the install-time hash of unitPath.
func HashPath(unitPath string) string {
	return unitPath + ".sha256"
}

// CheckUnitFile compares the unit file against its recorded install-time
// hash. It returns a warning when the unit was modified, and an empty
// string when the hash matches or there is nothing to compare (no unit
// file, no recorded hash).
func CheckUnitFile(unitPath, hashPath string) string {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return ""
	}
	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return ""
	}
	expected := strings.TrimSpace(string(stored))
	if len(expected) != 64 {
		return fmt.Sprintf("recorded unit hash %s is malformed", hashPath)
	}

	actual := hashBytes(data)
	if actual == expected {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expected[:16], actual[:16])
}

// RecordUnitHash writes the SHA-256 of the unit file to hashPath.
func RecordUnitHash(unitPath, hashPath string) error {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Errorf("read unit file: %w", err)
	}
	return os.WriteFile(hashPath, []byte(hashBytes(data)+"\n"), 0o600)
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
