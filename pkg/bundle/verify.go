package bundle

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	cryptoinfra "custodia/internal/infra/crypto"
)

// ExportedRecord is a decision record as serialized into records.json.
// It carries enough to re-verify the hash chain without the server.
type ExportedRecord struct {
	TransactionID string  `json:"transactionId"`
	PreviousHash  *string `json:"previousHash"`
	RecordHash    string  `json:"recordHash"`
	InputHash     string  `json:"inputHash"`
	OutputHash    string  `json:"outputHash"`
	ContextHash   string  `json:"contextHash,omitempty"`

	ModelID             string    `json:"modelId,omitempty"`
	ModelVersion        string    `json:"modelVersion,omitempty"`
	PolicyID            string    `json:"policyId"`
	ConfidenceScore     *float64  `json:"confidenceScore,omitempty"`
	HasIntervention     bool      `json:"hasHumanIntervention"`
	FinalDecisionSource string    `json:"finalDecisionSource"`
	Timestamp           time.Time `json:"timestamp"`
}

// Proof is proof.json: the chain anchor and signature needed for
// offline verification.
type Proof struct {
	TenantID       string `json:"tenantId"`
	ChainHeadHash  string `json:"chainHeadHash,omitempty"`
	ManifestHash   string `json:"manifestHash"`
	Signature      string `json:"signature,omitempty"`
	Algorithm      string `json:"algorithm,omitempty"`
	KeyID          string `json:"keyId,omitempty"`
	PublicKey      string `json:"publicKey,omitempty"`
	KeyFingerprint string `json:"keyFingerprint,omitempty"`
}

// Problem is one verification finding.
type Problem struct {
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason"`
}

// Report is the outcome of verifying an unpacked bundle directory.
type Report struct {
	Valid           bool      `json:"valid"`
	BundleID        string    `json:"bundleId"`
	FilesChecked    int       `json:"filesChecked"`
	RecordsChecked  int       `json:"recordsChecked"`
	ChainVerified   bool      `json:"chainVerified"`
	SignatureStatus string    `json:"signatureStatus"`
	Problems        []Problem `json:"problems,omitempty"`
}

func (r *Report) addProblem(path, format string, args ...any) {
	r.Valid = false
	r.Problems = append(r.Problems, Problem{Path: path, Reason: fmt.Sprintf(format, args...)})
}

// VerifyDir verifies an unpacked bundle directory: the manifest hash,
// every file digest, the record hash chain in records.json, and the
// manifest signature in proof.json when one is present.
func VerifyDir(dir string) (Report, error) {
	report := Report{Valid: true, SignatureStatus: "absent"}

	manifestRaw, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return Report{}, fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := ParseManifest(manifestRaw)
	if err != nil {
		return Report{}, err
	}
	report.BundleID = manifest.BundleID

	computed, err := manifest.ComputeHash()
	if err != nil {
		return Report{}, err
	}
	if computed != manifest.ManifestHash {
		report.addProblem(ManifestFileName, "manifest hash mismatch: stored %s, computed %s",
			manifest.ManifestHash, computed)
	}

	for _, entry := range manifest.Files {
		if err := verifyFile(dir, entry, &report); err != nil {
			return Report{}, err
		}
	}
	report.FilesChecked = len(manifest.Files)

	if err := checkUnlisted(dir, manifest, &report); err != nil {
		return Report{}, err
	}

	records, err := readRecords(dir, manifest)
	if err != nil {
		return Report{}, err
	}
	if records != nil {
		report.RecordsChecked = len(records)
		report.ChainVerified = verifyChain(records, &report)
		if len(records) != manifest.RecordCount {
			report.addProblem("records.json", "manifest says %d records, file has %d",
				manifest.RecordCount, len(records))
		}
	}

	verifyProof(dir, manifest, &report)
	return report, nil
}

func verifyFile(dir string, entry FileEntry, report *Report) error {
	if !fs.ValidPath(entry.Path) || entry.Path == "." {
		report.addProblem(entry.Path, "manifest entry has an unsafe path")
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(entry.Path)))
	if os.IsNotExist(err) {
		report.addProblem(entry.Path, "listed in manifest but missing from bundle")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", entry.Path, err)
	}
	if int64(len(data)) != entry.Size {
		report.addProblem(entry.Path, "size mismatch: manifest %d, actual %d", entry.Size, len(data))
	}
	if got := cryptoinfra.HashBytes(data); got != entry.Hash {
		report.addProblem(entry.Path, "hash mismatch: manifest %s, actual %s", entry.Hash, got)
	}
	return nil
}

// checkUnlisted flags files present on disk that the manifest does not
// cover. The manifest itself is the one expected exception.
func checkUnlisted(dir string, manifest Manifest, report *Report) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFileName || rel == ProofFileName {
			return nil
		}
		if _, ok := manifest.File(rel); !ok {
			report.addProblem(rel, "present in bundle but not listed in manifest")
		}
		return nil
	})
}

func readRecords(dir string, manifest Manifest) ([]ExportedRecord, error) {
	if _, ok := manifest.File("records.json"); !ok {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, "records.json"))
	if err != nil {
		return nil, fmt.Errorf("read records.json: %w", err)
	}
	var records []ExportedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse records.json: %w", err)
	}
	return records, nil
}

// VerifyRecords re-checks exported records independent of any directory
// layout: every record hash is recomputed from its content hashes and
// every consecutive pair must link. Custody reporting uses this to
// re-verify the chain inside a stored archive.
func VerifyRecords(records []ExportedRecord) []Problem {
	var report Report
	verifyChain(records, &report)
	return report.Problems
}

// verifyChain recomputes every record hash and checks the links between
// consecutive exported records. Exports may start mid-chain, so the first
// record's predecessor is taken on faith; everything after it must link.
func verifyChain(records []ExportedRecord, report *Report) bool {
	ok := true
	for i, rec := range records {
		combined := rec.InputHash + rec.OutputHash + rec.ContextHash
		if got := cryptoinfra.ChainHash(rec.PreviousHash, combined); got != rec.RecordHash {
			report.addProblem("records.json", "record %s hash mismatch: stored %s, computed %s",
				rec.TransactionID, rec.RecordHash, got)
			ok = false
		}
		if i == 0 {
			continue
		}
		prev := records[i-1]
		if rec.PreviousHash == nil {
			report.addProblem("records.json", "record %s claims genesis but follows %s",
				rec.TransactionID, prev.TransactionID)
			ok = false
		} else if *rec.PreviousHash != prev.RecordHash {
			report.addProblem("records.json", "record %s does not link to %s",
				rec.TransactionID, prev.TransactionID)
			ok = false
		}
	}
	return ok
}

// verifyProof checks proof.json when present. The proof carries the
// manifest hash, so it lives outside the manifest's file list, like the
// manifest itself.
func verifyProof(dir string, manifest Manifest, report *Report) {
	data, err := os.ReadFile(filepath.Join(dir, ProofFileName))
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		report.addProblem(ProofFileName, "unreadable: %v", err)
		return
	}
	var proof Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		report.addProblem("proof.json", "unparseable: %v", err)
		return
	}
	if proof.ManifestHash != manifest.ManifestHash {
		report.addProblem("proof.json", "proof covers manifest hash %s, bundle has %s",
			proof.ManifestHash, manifest.ManifestHash)
	}
	if proof.Signature == "" || proof.PublicKey == "" {
		return
	}

	report.SignatureStatus = "invalid"
	pub, err := base64.StdEncoding.DecodeString(proof.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		report.addProblem("proof.json", "malformed public key")
		return
	}
	sig, err := base64.StdEncoding.DecodeString(proof.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		report.addProblem("proof.json", "malformed signature")
		return
	}
	digestHex, err := cryptoinfra.ParseTaggedHash(proof.ManifestHash)
	if err != nil {
		// Proofs may carry an untagged digest.
		digestHex = proof.ManifestHash
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		report.addProblem("proof.json", "manifest hash is not hex")
		return
	}
	if !ed25519.Verify(pub, digest, sig) {
		report.addProblem("proof.json", "manifest signature does not verify")
		return
	}
	report.SignatureStatus = "valid"
}
