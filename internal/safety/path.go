package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// JoinUnder joins a relative file name under dir and verifies the result
// stays inside dir. Absolute names and parent traversal are rejected.
func JoinUnder(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("file name is empty")
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || escapes(clean) {
		return "", fmt.Errorf("file name %q is not a relative path inside the directory", name)
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve directory: %w", err)
	}
	joined := filepath.Join(root, clean)

	rel, err := filepath.Rel(root, joined)
	if err != nil || escapes(rel) {
		return "", fmt.Errorf("path escapes %s: %q", dir, name)
	}
	return joined, nil
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
