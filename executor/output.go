package executor

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxFilenameLength = 200
	fallbackFilename  = "video"
	templateExt       = ".%(ext)s"
)

var ErrOutputMissing = errors.New("file not found after completion")

// VideoExtensions are tried, in order, when the engine reports a path
// without a recognised extension.
var VideoExtensions = []string{".mp4", ".webm", ".mkv", ".avi", ".mov", ".flv", ".3gp", ".m4v"}

var (
	invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*]`)
	repeatedUnderscores  = regexp.MustCompile(`_+`)
)

// SanitizeFilename turns a media title into a safe file name without
// extension.
func SanitizeFilename(name string) string {
	name = invalidFilenameChars.ReplaceAllString(name, "")
	name = strings.ReplaceAll(name, " ", "_")
	name = repeatedUnderscores.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_.")

	if r := []rune(name); len(r) > maxFilenameLength {
		name = string(r[:maxFilenameLength])
	}

	if name == "" {
		return fallbackFilename
	}

	return name
}

func hasVideoExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, known := range VideoExtensions {
		if ext == known {
			return true
		}
	}

	return false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// resolveOutput finds the file the engine actually wrote.
func resolveOutput(path string) (string, error) {
	path = strings.TrimSuffix(path, templateExt)
	if path == "" {
		return "", ErrOutputMissing
	}

	if hasVideoExtension(path) {
		if isFile(path) {
			return path, nil
		}

		return "", ErrOutputMissing
	}

	for _, ext := range VideoExtensions {
		if candidate := path + ext; isFile(candidate) {
			return candidate, nil
		}
	}

	if isFile(path) {
		return path, nil
	}

	return "", ErrOutputMissing
}

// titledPath returns where a resolved file should live once named after
// its title. It returns path unchanged when the target is taken.
func titledPath(path, title string) string {
	target := filepath.Join(filepath.Dir(path), SanitizeFilename(title)+filepath.Ext(path))
	if target == path {
		return path
	}

	if _, err := os.Stat(target); err == nil {
		return path
	}

	return target
}
