package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"servd/internal/common/fsutil"
	"servd/pkg/types"
)

// Scanner discovers servable sources in a models directory.
type Scanner struct{}

func NewScanner() Scanner { return Scanner{} }

// Scan recognizes two layouts under dir:
//
//	<dir>/<name>/<version>/...   numeric version directories
//	<dir>/<name>.gguf            flat model file, served as version 1
//
// For a version directory holding a .gguf file, Path is that file; otherwise
// Path is the directory itself. Results are sorted by name, then version.
func (Scanner) Scan(dir string) ([]types.Model, error) {
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
	var models []types.Model
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join(abs, name)
		if !e.IsDir() {
			if strings.HasSuffix(strings.ToLower(name), ".gguf") {
				models = append(models, types.Model{Name: name[:len(name)-len(".gguf")], Version: 1, Path: p})
			}
			continue
		}
		versions, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("read dir: %w", err)
		}
		for _, v := range versions {
			if !v.IsDir() {
				continue
			}
			n, err := strconv.ParseInt(v.Name(), 10, 64)
			if err != nil || n <= 0 {
				continue
			}
			vp := filepath.Join(p, v.Name())
			models = append(models, types.Model{Name: name, Version: n, Path: modelFile(vp)})
		}
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Name != models[j].Name {
			return models[i].Name < models[j].Name
		}
		return models[i].Version < models[j].Version
	})
	return models, nil
}

// modelFile returns the first .gguf file in dir, or dir itself.
func modelFile(dir string) string {
	files, err := os.ReadDir(dir)
	if err != nil {
		return dir
	}
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(strings.ToLower(f.Name()), ".gguf") {
			return filepath.Join(dir, f.Name())
		}
	}
	return dir
}

// LoadDir scans dir with the default Scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewScanner().Scan(dir)
}
