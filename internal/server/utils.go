package server

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// RootFs returns a read-only filesystem confined to root. The root must be
// an existing directory.
func RootFs(root string) (afero.Fs, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid root directory: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", absRoot)
	}

	// BasePathFs rejects anything resolving outside absRoot.
	return afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), absRoot)), nil
}

// normalizeRequestPath turns a URL path into the rooted, slash-separated
// name used to look files up in the served filesystem.
func normalizeRequestPath(rawPath string) string {
	return path.Clean("/" + rawPath)
}
