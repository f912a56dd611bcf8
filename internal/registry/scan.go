package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Crewdle/mist-connector-llamacpp/internal/common/fsutil"
)

// ScanDir scans a directory for *.gguf weight files and returns model ids
// (filename without extension) mapped to absolute paths. The daemon uses this
// to resolve relative paths in workflow registrations.
func ScanDir(dir string) (map[string]string, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	models := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		models[id] = filepath.Join(abs, name)
	}
	return models, nil
}
