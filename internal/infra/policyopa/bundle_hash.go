package policyopa

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cryptoinfra "custodia/internal/infra/crypto"
)

// ComputeBundleHashFromPath hashes the normative content of a policy
// bundle directory: every .rego file plus data.json and manifest.json,
// path-sorted. Editor droppings, archives, vendor trees, and dotfiles do
// not contribute, so the hash identifies the policy, not the checkout.
func ComputeBundleHashFromPath(bundlePath string) (string, error) {
	return computeBundleHash(os.DirFS(bundlePath))
}

type bundleEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

func computeBundleHash(fsys fs.FS) (string, error) {
	var entries []bundleEntry
	walk := func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == "." {
			return nil
		}
		base := filepath.Base(path)
		if d.IsDir() {
			if base == "__MACOSX" || base == "vendor" || strings.HasPrefix(base, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !normativeFile(base) {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		entries = append(entries, bundleEntry{
			Path:   filepath.ToSlash(path),
			SHA256: cryptoinfra.HashBytes(data),
		})
		return nil
	}
	if err := fs.WalkDir(fsys, ".", walk); err != nil {
		return "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	payload := struct {
		Files []bundleEntry `json:"files"`
	}{Files: entries}
	return cryptoinfra.HashObject(payload)
}

func normativeFile(base string) bool {
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return false
	}
	if base == "data.json" || base == "manifest.json" {
		return true
	}
	return strings.HasSuffix(base, ".rego")
}
