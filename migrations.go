package schemagen

import (
	"crypto/sha256"
	_ "embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed assets/migration.sql
var migrationTemplate string

const (
	migrationsDir = "db/migration"
)

var (
	// V<version>__<description>.sql, version parts separated by '.' or '_'
	migrationFilePattern = regexp.MustCompile(`^V(\d+(?:[._]\d+)*)__(.+)\.sql$`)
	versionSplitPattern  = regexp.MustCompile(`[._]`)
)

// Version is a dotted numeric migration version; ordering is numeric, part by part
type Version []int

// ParseVersion parses "1", "1.2" or "1_2"
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty version", ErrInvalidMigration)
	}

	parts := versionSplitPattern.Split(s, -1)
	v := make(Version, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid version %q", ErrInvalidMigration, s)
		}
		v = append(v, n)
	}
	return v, nil
}

// Compare returns -1, 0 or 1. Missing trailing parts count as zero, so 1 == 1.0.
func (v Version) Compare(other Version) int {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(v) {
			a = v[i]
		}
		if i < len(other) {
			b = other[i]
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
	}
	return 0
}

// key is the canonical form used for lookups: trailing zero parts are dropped
func (v Version) key() string {
	n := len(v)
	for n > 1 && v[n-1] == 0 {
		n--
	}
	return v[:n].String()
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, p := range v {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}

// LoadMigrations scans the migrations directory (recursively) and loads all migrations in version order
func LoadMigrations(migrationsPath string) ([]Migration, error) {
	if migrationsPath == "" {
		migrationsPath = migrationsDir
	}

	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return []Migration{}, nil // Return empty if migrations directory doesn't exist
	}

	var migrations []Migration
	err := filepath.WalkDir(migrationsPath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		matches := migrationFilePattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			return nil // Skip files that don't match the migration pattern
		}

		migration, err := loadMigration(migrationsPath, path, matches[1], matches[2])
		if err != nil {
			return err
		}
		migrations = append(migrations, *migration)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	sort.SliceStable(migrations, func(i, j int) bool {
		return migrations[i].Version.Compare(migrations[j].Version) < 0
	})

	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version.Compare(migrations[i].Version) == 0 {
			return nil, fmt.Errorf("%w: version %s is defined by both %s and %s",
				ErrInvalidMigration, migrations[i].Version, migrations[i-1].Script, migrations[i].Script)
		}
	}

	return migrations, nil
}

// loadMigration loads a single migration script
func loadMigration(migrationsPath, path, rawVersion, description string) (*Migration, error) {
	version, err := ParseVersion(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration file %s: %w", path, err)
	}

	rel, err := filepath.Rel(migrationsPath, path)
	if err != nil {
		rel = filepath.Base(path)
	}

	migration := &Migration{
		Version:     version,
		Description: strings.ReplaceAll(description, "_", " "),
		Script:      filepath.ToSlash(rel),
		Path:        path,
		Content:     string(content),
	}
	migration.Checksum = CalculateChecksum(*migration)

	return migration, nil
}

// CreateMigration creates the next migration script with the given name
func CreateMigration(migrationsPath, name string) (*Migration, error) {
	if migrationsPath == "" {
		migrationsPath = migrationsDir
	}

	// Sanitize name
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: migration name is required", ErrMissingConfiguration)
	}
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ToLower(name)

	existing, err := LoadMigrations(migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing migrations: %w", err)
	}

	// Next version bumps the major part of the highest existing version
	next := 1
	if len(existing) > 0 {
		next = existing[len(existing)-1].Version[0] + 1
	}

	if err := os.MkdirAll(migrationsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create migrations directory: %w", err)
	}

	fileName := fmt.Sprintf("V%d__%s.sql", next, name)
	path := filepath.Join(migrationsPath, fileName)
	if err := os.WriteFile(path, []byte(migrationTemplate), 0644); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", fileName, err)
	}

	migration := &Migration{
		Version:     Version{next},
		Description: strings.ReplaceAll(name, "_", " "),
		Script:      fileName,
		Path:        path,
		Content:     migrationTemplate,
	}
	migration.Checksum = CalculateChecksum(*migration)

	return migration, nil
}

// CompareMigrations compares local migrations with the history and returns status
func CompareMigrations(local []Migration, applied []HistoryRecord) *MigrationStatus {
	appliedMap := make(map[string]HistoryRecord)
	for _, r := range applied {
		appliedMap[canonicalVersion(r.Version)] = r
	}

	localMap := make(map[string]Migration)
	for _, m := range local {
		localMap[m.Version.key()] = m
	}

	status := &MigrationStatus{
		Local:   local,
		Applied: make([]Migration, 0),
		Pending: make([]Migration, 0),
		Missing: make([]HistoryRecord, 0),
	}

	// Classify local migrations
	for _, migration := range local {
		if record, exists := appliedMap[migration.Version.key()]; exists {
			appliedAt := record.AppliedAt
			migration.AppliedAt = &appliedAt
			status.Applied = append(status.Applied, migration)
		} else {
			status.Pending = append(status.Pending, migration)
		}
	}

	// Find history rows with no local script
	for _, record := range applied {
		if _, exists := localMap[canonicalVersion(record.Version)]; !exists {
			status.Missing = append(status.Missing, record)
		}
	}

	return status
}

// ValidateMigrations checks that the history is an unmodified prefix of the local scripts
func ValidateMigrations(status *MigrationStatus, applied []HistoryRecord) error {
	if len(status.Missing) > 0 {
		r := status.Missing[0]
		return fmt.Errorf("%w: version %s (%s) is recorded in the history but has no local script",
			ErrMissingMigration, r.Version, r.Script)
	}

	checksums := make(map[string]string, len(applied))
	for _, r := range applied {
		checksums[canonicalVersion(r.Version)] = r.Checksum
	}

	var highest Version
	for _, m := range status.Applied {
		if recorded := checksums[m.Version.key()]; recorded != m.Checksum {
			return fmt.Errorf("%w: version %s (%s) was applied with checksum %s, local script has %s",
				ErrChecksumMismatch, m.Version, m.Script, recorded, m.Checksum)
		}
		if highest == nil || m.Version.Compare(highest) > 0 {
			highest = m.Version
		}
	}

	if highest == nil {
		return nil
	}
	for _, m := range status.Pending {
		if m.Version.Compare(highest) < 0 {
			return fmt.Errorf("%w: version %s (%s) is lower than applied version %s",
				ErrOutOfOrder, m.Version, m.Script, highest)
		}
	}

	return nil
}

// CalculateChecksum calculates a checksum for a migration based on its SQL content
func CalculateChecksum(migration Migration) string {
	hasher := sha256.New()
	hasher.Write([]byte(migration.Content))
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// IsNonEmptySQL reports whether the migration contains actual SQL statements (not just comments or whitespace)
func IsNonEmptySQL(migration Migration) bool {
	content := strings.TrimSpace(migration.Content)
	if content == "" {
		return false
	}

	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if inBlock {
			if idx := strings.Index(line, "*/"); idx >= 0 {
				inBlock = false
				line = strings.TrimSpace(line[idx+2:])
			} else {
				continue
			}
		}
		if strings.HasPrefix(line, "/*") {
			if idx := strings.Index(line, "*/"); idx >= 0 {
				line = strings.TrimSpace(line[idx+2:])
			} else {
				inBlock = true
				continue
			}
		}
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}

func canonicalVersion(raw string) string {
	v, err := ParseVersion(raw)
	if err != nil {
		return raw
	}
	return v.key()
}
