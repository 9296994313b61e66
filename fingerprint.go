package schemagen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
)

// StampFile records the inputs of the last successful generate-local run, relative to the output directory
const StampFile = ".schemagen.sum"

// Fingerprint hashes everything a generate-local run depends on: the migration scripts
// and the settings that shape the generated artifacts
func Fingerprint(cfg *Config, migrations []Migration) (string, error) {
	// Struct fields are emitted in declaration order, so the encoding is stable
	settings, err := yaml.Marshal(struct {
		Schemas      []string     `yaml:"schemas"`
		Package      string       `yaml:"package"`
		HistoryTable string       `yaml:"history_table"`
		Excludes     []string     `yaml:"excludes"`
		Naming       []NamingRule `yaml:"naming"`
		Image        string       `yaml:"image"`
	}{cfg.Schemas, cfg.Package, cfg.HistoryTable, cfg.Excludes, cfg.Naming, cfg.Instance.Image})
	if err != nil {
		return "", fmt.Errorf("failed to encode settings: %w", err)
	}

	h := sha256.New()
	h.Write(settings)
	for _, m := range migrations {
		fmt.Fprintf(h, "%s\x00%s\x00%s\n", m.Version.key(), m.Script, m.Checksum)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Stamp is the record of a successful run: its fingerprint and the artifact files it produced
type Stamp struct {
	Fingerprint string   `yaml:"fingerprint"`
	Files       []string `yaml:"files"` // Slash-separated, relative to the output directory
}

// ReadStamp returns the stamp stored in outputDir, or nil when there is none
func ReadStamp(outputDir string) (*Stamp, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, StampFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stamp: %w", err)
	}

	var stamp Stamp
	if err := yaml.Unmarshal(data, &stamp); err != nil {
		// A corrupt stamp only forces a regeneration
		return nil, nil
	}
	return &stamp, nil
}

// UpToDate reports whether the stamp matches fingerprint and every recorded artifact still exists
func (s *Stamp) UpToDate(outputDir, fingerprint string) bool {
	if s == nil || s.Fingerprint != fingerprint {
		return false
	}
	for _, f := range s.Files {
		if _, err := os.Stat(filepath.Join(outputDir, filepath.FromSlash(f))); err != nil {
			return false
		}
	}
	return true
}

// WriteStamp stores the fingerprint and artifact list of a successful run in outputDir
func WriteStamp(outputDir, fingerprint string, artifacts []Artifact) error {
	stamp := Stamp{Fingerprint: fingerprint}
	for _, a := range artifacts {
		stamp.Files = append(stamp.Files, path.Join(a.Dir, a.FileName))
	}
	sort.Strings(stamp.Files)

	data, err := yaml.Marshal(stamp)
	if err != nil {
		return fmt.Errorf("failed to encode stamp: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, StampFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write stamp: %w", err)
	}
	return nil
}

// RemoveStamp deletes the stamp so the next run regenerates
func RemoveStamp(outputDir string) error {
	err := os.Remove(filepath.Join(outputDir, StampFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stamp: %w", err)
	}
	return nil
}
