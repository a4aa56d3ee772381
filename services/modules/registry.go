package modules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DirSuffix marks a generated module directory.
	DirSuffix = "_idl_generated"

	buildDirName     = "build"
	entrypointSuffix = "main"
)

// Module is one launchable unit discovered under the modules root.
type Module struct {
	Name       string `json:"name"`
	Dir        string `json:"dir"`
	Entrypoint string `json:"entrypoint"`
}

// DiscoveryWarning explains why a module directory was skipped.
type DiscoveryWarning struct {
	Module     string   `json:"module"`
	Dir        string   `json:"dir"`
	Reason     string   `json:"reason"`
	Candidates []string `json:"candidates,omitempty"`
}

func (w DiscoveryWarning) Error() string {
	if len(w.Candidates) == 0 {
		return fmt.Sprintf("module %s: %s", w.Module, w.Reason)
	}
	return fmt.Sprintf("module %s: %s (%s)", w.Module, w.Reason, strings.Join(w.Candidates, ", "))
}

// Result is the outcome of a discovery pass.
type Result struct {
	Modules  []Module           `json:"modules"`
	Warnings []DiscoveryWarning `json:"warnings,omitempty"`
}

// Names returns the discovered module names in discovery order.
func (r Result) Names() []string {
	names := make([]string, 0, len(r.Modules))
	for _, m := range r.Modules {
		names = append(names, m.Name)
	}
	return names
}

// Discover scans the immediate subdirectories of rootDir for generated
// modules. Modules whose entry point is missing or ambiguous are reported
// as warnings and skipped; only an unreadable root is an error.
func Discover(rootDir string) (Result, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return Result{}, fmt.Errorf("resolve modules root: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return Result{}, fmt.Errorf("read modules root %q: %w", root, err)
	}

	var result Result
	for _, entry := range entries {
		name, ok := moduleName(root, entry)
		if !ok {
			continue
		}
		dir := filepath.Join(root, entry.Name())

		candidates := findCandidates(filepath.Join(dir, buildDirName), name)
		if len(candidates) == 0 {
			candidates = findCandidates(dir, name)
		}

		switch len(candidates) {
		case 1:
			result.Modules = append(result.Modules, Module{Name: name, Dir: dir, Entrypoint: candidates[0]})
		case 0:
			result.Warnings = append(result.Warnings, DiscoveryWarning{
				Module: name,
				Dir:    dir,
				Reason: "no executable entry point " + name + entrypointSuffix + "*",
			})
		default:
			result.Warnings = append(result.Warnings, DiscoveryWarning{
				Module:     name,
				Dir:        dir,
				Reason:     "ambiguous entry point",
				Candidates: candidates,
			})
		}
	}

	sort.SliceStable(result.Modules, func(i, j int) bool { return result.Modules[i].Name < result.Modules[j].Name })
	return result, nil
}

func moduleName(root string, entry os.DirEntry) (string, bool) {
	isDir := entry.IsDir()
	if !isDir && entry.Type()&os.ModeSymlink != 0 {
		if info, err := os.Stat(filepath.Join(root, entry.Name())); err == nil {
			isDir = info.IsDir()
		}
	}
	if !isDir || !strings.HasSuffix(entry.Name(), DirSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(entry.Name(), DirSuffix)
	if name == "" {
		return "", false
	}
	return name, true
}

// findCandidates lists executable regular files in dir whose name starts
// with <name>main. A missing dir yields nothing.
func findCandidates(dir, name string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	prefix := name + entrypointSuffix
	var out []string
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		out = append(out, path)
	}
	return out
}
