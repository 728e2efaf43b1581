// Package bundle defines the evidence bundle manifest format and the
// offline verifier shared by the exporter and the CLI. Everything here
// works from files on disk; no server or database is needed to verify
// a bundle.
package bundle

import (
	"encoding/json"
	"fmt"
	"time"

	cryptoinfra "custodia/internal/infra/crypto"
)

const ManifestVersion = "1"

// ManifestFileName is the manifest's own path inside a bundle.
const ManifestFileName = "manifest.json"

// ProofFileName carries the manifest hash and signature. It sits outside
// the manifest's file list; hashing it into the manifest would be circular.
const ProofFileName = "proof.json"

// FileEntry describes one file inside a bundle.
type FileEntry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Manifest is the bundle's table of contents. ManifestHash covers every
// field except itself, so consumers can recompute it from the rest of
// the document.
type Manifest struct {
	Version      string      `json:"version"`
	BundleID     string      `json:"bundleId"`
	TenantID     string      `json:"tenantId"`
	GeneratedAt  time.Time   `json:"generatedAt"`
	RecordCount  int         `json:"recordCount"`
	Files        []FileEntry `json:"files"`
	ManifestHash string      `json:"manifestHash,omitempty"`
}

// ComputeHash returns the manifest hash over the manifest with its own
// hash field cleared.
func (m Manifest) ComputeHash() (string, error) {
	m.ManifestHash = ""
	return cryptoinfra.HashObject(m)
}

// Seal computes and stores the manifest hash, returning the sealed copy.
func (m Manifest) Seal() (Manifest, error) {
	hash, err := m.ComputeHash()
	if err != nil {
		return Manifest{}, err
	}
	m.ManifestHash = hash
	return m, nil
}

// File looks up an entry by path.
func (m Manifest) File(path string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// ParseManifest decodes and structurally validates a manifest document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version == "" {
		return Manifest{}, fmt.Errorf("manifest missing version")
	}
	if m.BundleID == "" {
		return Manifest{}, fmt.Errorf("manifest missing bundleId")
	}
	if m.ManifestHash == "" {
		return Manifest{}, fmt.Errorf("manifest is not sealed")
	}
	return m, nil
}
