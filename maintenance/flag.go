// Package maintenance checks the operator-asserted HA maintenance flag.
//
// The flag is the existence of a sentinel file on the shared volume
// (<SHARED_DIR>/ha_maintenance). While present, HA failover and doctor
// remediation are suppressed. Readers tolerate transient absence of the
// shared directory itself.
package maintenance

import (
	"os"
	"path/filepath"
)

const FlagName = "ha_maintenance"

// Active reports whether maintenance mode is asserted under sharedDir.
func Active(sharedDir string) bool {
	if sharedDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(sharedDir, FlagName))
	return err == nil
}
