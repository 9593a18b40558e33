package filesystem

import (
	"os"
	"path/filepath"
)

// GetDefaultDownloadPath returns the user's platform download directory, used as
// the default save location when the Command Surface's Add doesn't specify one.
func GetDefaultDownloadPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, "Downloads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
