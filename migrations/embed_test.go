package main

import (
	"reflect"
	"sort"
	"strings"
	"testing"
	"testing/fstest"
)

func TestNewEmbeddedMigration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	eMigration := NewEmbeddedMigration(nil)
	if eMigration == nil {
		t.Fatal("expected non-nil EmbeddedMigration instance")
	}

	if eMigration.FS() == nil {
		t.Fatal("expected non-nil embedded file system")
	}

	files, err := eMigration.List()
	if err != nil {
		t.Fatalf("failed to list embedded migrations: %v", err)
	}

	if len(files) == 0 {
		t.Error("expected to find embedded migration files")
	}
}

func TestListEmbeddedMigrations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	eMigration := NewEmbeddedMigration(nil)

	result, err := eMigration.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedFiles := []string{
		"001_create_events.down.sql",
		"001_create_events.up.sql",
		"002_create_memory_entries.down.sql",
		"002_create_memory_entries.up.sql",
		"003_create_projection_cursor.down.sql",
		"003_create_projection_cursor.up.sql",
	}

	sort.Strings(result)
	sort.Strings(expectedFiles)

	if !reflect.DeepEqual(result, expectedFiles) {
		t.Errorf("expected files %v, got %v", expectedFiles, result)
	}

	for _, file := range result {
		if !migrationFilenameRegex.MatchString(file) {
			t.Errorf("file %s does not match strict naming convention", file)
		}
	}
}

func TestValidateEmbeddedMigrations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	eMigration := NewEmbeddedMigration(nil)
	if err := eMigration.Validate(); err != nil {
		t.Errorf("embedded migration validation failed: %v", err)
	}
}

func TestMaxSequence(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	eMigration := NewEmbeddedMigration(nil)
	if got := eMigration.MaxSequence(); got != 3 {
		t.Errorf("expected max sequence 3, got %d", got)
	}

	empty := NewEmbeddedMigration(fstest.MapFS{})
	if got := empty.MaxSequence(); got != 0 {
		t.Errorf("expected max sequence 0 for empty filesystem, got %d", got)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	info, err := parseMigrationFilename("002_create_memory_entries.up.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.Sequence != 2 || info.Name != "create_memory_entries" || info.Direction != "up" {
		t.Errorf("unexpected parse result: %+v", info)
	}

	if _, err := parseMigrationFilename("create_memory_entries.sql"); err == nil {
		t.Error("expected error for filename without sequence prefix")
	}
}

func TestEmbeddedMigrationsSortingBehavior(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Migrations deliberately out of order to verify sorting.
	testFS := fstest.MapFS{
		"010_migration.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE test10 (id INTEGER);")},
		"010_migration.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE test10;")},
		"002_migration.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE test2 (id INTEGER);")},
		"002_migration.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE test2;")},
		"001_migration.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE test1 (id INTEGER);")},
		"001_migration.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE test1;")},
		"100_migration.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE test100 (id INTEGER);")},
		"100_migration.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE test100;")},
	}

	eMigration := NewEmbeddedMigration(testFS)

	result, err := eMigration.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{
		"001_migration.down.sql",
		"001_migration.up.sql",
		"002_migration.down.sql",
		"002_migration.up.sql",
		"010_migration.down.sql",
		"010_migration.up.sql",
		"100_migration.down.sql",
		"100_migration.up.sql",
	}

	if !reflect.DeepEqual(result, expected) {
		t.Errorf("migrations not properly sorted. Expected %v, got %v", expected, result)
	}
}

func TestEmbeddedMigrationsFilenameValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Invalid filenames are filtered out during listing, which leaves
	// nothing to migrate and fails validation.
	invalidTestFS := fstest.MapFS{
		"migration.sql":            &fstest.MapFile{Data: []byte("-- Missing version number")},
		"001.sql":                  &fstest.MapFile{Data: []byte("-- Missing direction")},
		"001_test.invalid.sql":     &fstest.MapFile{Data: []byte("-- Invalid direction")},
		"invalid_migration.up.sql": &fstest.MapFile{Data: []byte("-- Non-numeric prefix")},
		"001_migration.UP.sql":     &fstest.MapFile{Data: []byte("-- Wrong case")},
	}

	eMigration := NewEmbeddedMigration(invalidTestFS)

	err := eMigration.Validate()
	if err == nil {
		t.Fatal("validation should fail when no valid migration files are found")
	}

	if !strings.Contains(err.Error(), "no embedded migration files found") {
		t.Errorf("expected 'no embedded migration files found', got: %v", err)
	}
}

func TestEmbeddedMigrationsPairedValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	unpairedTestFS := fstest.MapFS{
		"001_initial.up.sql": &fstest.MapFile{Data: []byte("CREATE TABLE users (id INTEGER);")},
		// Missing 001_initial.down.sql
		"002_posts.up.sql":    &fstest.MapFile{Data: []byte("CREATE TABLE posts (id INTEGER);")},
		"002_posts.down.sql":  &fstest.MapFile{Data: []byte("DROP TABLE posts;")},
		"003_orphan.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE orphan;")},
		// Missing 003_orphan.up.sql
	}

	eMigration := NewEmbeddedMigration(unpairedTestFS)

	err := eMigration.Validate()
	if err == nil {
		t.Fatal("validation should fail for unpaired migrations")
	}

	if !strings.Contains(err.Error(), "orphan") {
		t.Errorf("expected pairing error, got: %v", err)
	}
}

func TestEmbeddedMigrationsSequenceValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	gappedTestFS := fstest.MapFS{
		"001_first.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE first (id INTEGER);")},
		"001_first.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE first;")},
		// Missing 002_*
		"003_third.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE third (id INTEGER);")},
		"003_third.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE third;")},
	}

	eMigration := NewEmbeddedMigration(gappedTestFS)

	err := eMigration.Validate()
	if err == nil {
		t.Fatal("validation should fail for gaps in migration sequence")
	}

	if !strings.Contains(err.Error(), "gap") {
		t.Errorf("expected sequence gap error, got: %v", err)
	}

	offsetTestFS := fstest.MapFS{
		"002_second.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE second (id INTEGER);")},
		"002_second.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE second;")},
	}

	err = NewEmbeddedMigration(offsetTestFS).Validate()
	if err == nil || !strings.Contains(err.Error(), "start with 001") {
		t.Errorf("expected sequence start error, got: %v", err)
	}
}
