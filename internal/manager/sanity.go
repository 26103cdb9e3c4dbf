package manager

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SanityReport describes the external pieces a llama-server load needs.
type SanityReport struct {
	LlamaFound bool   `json:"llama_found"`
	LlamaPath  string `json:"llama_path,omitempty"`
	ModelPath  string `json:"model_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OK reports whether every check passed.
func (r SanityReport) OK() bool { return r.Error == "" }

// CheckLlamaServer verifies that a llama-server binary exists (bin, or one
// found by discovery when bin is empty) and, when modelPath is set, that the
// model is a readable regular file. It does not mutate state.
func CheckLlamaServer(bin, modelPath string) SanityReport {
	var r SanityReport
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = discoverLlamaBin()
	}
	if bin == "" {
		r.Error = "llama-server not found: set --llama-bin or install llama.cpp"
		return r
	}
	r.LlamaPath = bin
	if fi, err := os.Stat(bin); err != nil {
		r.Error = err.Error()
		return r
	} else if fi.IsDir() {
		r.Error = "llama-server path is a directory: " + bin
		return r
	}
	r.LlamaFound = true
	if modelPath == "" {
		return r
	}
	r.ModelPath = modelPath
	f, err := os.Open(modelPath)
	if err != nil {
		r.Error = fmt.Sprintf("model %s: %v", modelPath, err)
		return r
	}
	defer f.Close()
	if fi, err := f.Stat(); err != nil {
		r.Error = fmt.Sprintf("model %s: %v", modelPath, err)
	} else if !fi.Mode().IsRegular() {
		r.Error = "model is not a regular file: " + modelPath
	}
	return r
}

// discoverLlamaBin looks for llama-server in common install locations, then
// on PATH.
func discoverLlamaBin() string {
	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, "apps", "llama.cpp", "build", "bin", "llama-server"),
		"/usr/local/bin/llama-server",
		"/opt/homebrew/bin/llama-server",
	}
	for _, p := range candidates {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	if lp, err := exec.LookPath("llama-server"); err == nil {
		return lp
	}
	return ""
}
