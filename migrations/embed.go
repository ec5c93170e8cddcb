package main

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// EmbeddedMigration wraps the embedded migration filesystem with naming,
// pairing and sequence validation so a broken set of files fails at startup
// instead of mid-migration.
type EmbeddedMigration struct {
	fs fs.FS
}

// MigrationInfo contains parsed information about a migration file.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename format: 001_migration_name.up.sql / 001_migration_name.down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// NewEmbeddedMigration creates an EmbeddedMigration with an injectable
// filesystem. Pass nil to use the migrations embedded in this binary.
func NewEmbeddedMigration(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigration{fs: filesystem}
}

// FS returns the filesystem containing the migration files.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// List returns all migration files conforming to the strict naming standard,
// sorted lexicographically (which matches sequence order).
func (e *EmbeddedMigration) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks filename format, up/down pairing and sequence continuity
// of the embedded migration files.
func (e *EmbeddedMigration) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	for _, file := range files {
		if _, err := fs.ReadFile(e.fs, file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
	}

	if err := e.validatePairing(files); err != nil {
		return err
	}

	return e.validateSequence(files)
}

// MaxSequence returns the highest migration sequence number embedded in this
// binary, or 0 when none can be read.
func (e *EmbeddedMigration) MaxSequence() int {
	files, err := e.List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, filename := range files {
		if info, err := parseMigrationFilename(filename); err == nil && info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}

// parseMigrationFilename parses a migration filename into its components.
func parseMigrationFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// validatePairing ensures every up migration has a matching down migration.
func (e *EmbeddedMigration) validatePairing(files []string) error {
	directions := make(map[string]map[string]bool)

	for _, file := range files {
		info, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !dirs["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

// validateSequence ensures the migration sequence starts at 001 and has no gaps.
func (e *EmbeddedMigration) validateSequence(files []string) error {
	sequences := make(map[int]bool)

	for _, file := range files {
		info, err := parseMigrationFilename(file)
		if err != nil {
			return err
		}

		sequences[info.Sequence] = true
	}

	var numbers []int
	for seq := range sequences {
		numbers = append(numbers, seq)
	}

	sort.Ints(numbers)

	if len(numbers) == 0 {
		return nil
	}

	if numbers[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", numbers[0])
	}

	for i := 1; i < len(numbers); i++ {
		if numbers[i] != numbers[i-1]+1 {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", numbers[i-1]+1, numbers[i])
		}
	}

	return nil
}
