// Package filesystem holds the relocation collaborators the Finalizer and Command
// Surface depend on: SmartOrganizer (category-based move with collision-safe
// renaming), ResolveCollision, and the default path helpers. The disk-space check
// lives in internal/workspace.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dlm-go/internal/storage"
)

var categoryByExt = map[string]string{
	".jpg": "Images", ".jpeg": "Images", ".png": "Images", ".gif": "Images",
	".bmp": "Images", ".svg": "Images", ".webp": "Images",

	".mp3": "Music", ".wav": "Music", ".flac": "Music", ".aac": "Music", ".ogg": "Music",

	".pdf": "Documents", ".doc": "Documents", ".docx": "Documents", ".txt": "Documents",
	".xls": "Documents", ".xlsx": "Documents", ".ppt": "Documents", ".pptx": "Documents",

	".exe": "Software", ".msi": "Software", ".dmg": "Software", ".pkg": "Software",
	".deb": "Software", ".rpm": "Software", ".appimage": "Software",

	".mp4": "Videos", ".mkv": "Videos", ".avi": "Videos", ".mov": "Videos", ".webm": "Videos",

	".zip": "Archives", ".rar": "Archives", ".7z": "Archives", ".tar": "Archives", ".gz": "Archives",
}

// SmartOrganizer relocates a finalized download under a category subdirectory of
// its own save directory, matching the finalizer's relocation step. File name
// collisions are resolved with a "(N)" suffix, never an overwrite.
type SmartOrganizer struct{}

func NewSmartOrganizer() *SmartOrganizer {
	return &SmartOrganizer{}
}

// OrganizeFile moves task's completed file from SavePath into a category directory
// alongside it, returning the final resting path.
func (o *SmartOrganizer) OrganizeFile(task *storage.DownloadTask) (string, error) {
	category := categoryFor(task.Filename)
	baseDir := filepath.Dir(task.SavePath)
	targetDir := filepath.Join(baseDir, category)

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("organize: create category dir: %w", err)
	}

	targetPath := ResolveCollision(filepath.Join(targetDir, task.Filename))

	if err := os.Rename(task.SavePath, targetPath); err != nil {
		return "", fmt.Errorf("organize: move file: %w", err)
	}
	return targetPath, nil
}

func categoryFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if cat, ok := categoryByExt[ext]; ok {
		return cat
	}
	return "Others"
}

// ResolveCollision appends " (N)" before the extension until path does not already
// exist, matching the relocation collision convention used throughout finalization.
func ResolveCollision(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)

	for n := 1; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
