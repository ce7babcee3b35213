package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	gateway "github.com/goliatone/go-integration-gateway"
	persistence "github.com/goliatone/go-persistence-bun"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	defaultSourceLabel = "go-integration-gateway"
	migrationsDir      = "data/sql/migrations"
)

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithSourceLabel(label string) Option {
	return func(r *Registration) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			r.SourceLabel = trimmed
		}
	}
}

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		if next := dedupe(targets); len(next) > 0 {
			r.ValidationTargets = next
		}
	}
}

// DialectForDriver maps a database/sql driver name to a migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// Filesystems returns the postgres and sqlite migration trees. The embedded
// gateway schema is used unless a root is given.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := gateway.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}
	base, err := fs.Sub(root, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", migrationsDir, err)
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}

	filesystems := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: migrationsDir, FS: base},
		{Dialect: DialectSQLite, Path: migrationsDir + "/sqlite", FS: sqliteFS},
	}
	for _, fsys := range filesystems {
		matches, err := fs.Glob(fsys.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: glob %s %s: %w", fsys.Dialect, fsys.Path, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", fsys.Dialect, fsys.Path)
		}
	}
	return filesystems, nil
}

func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       defaultSourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}
	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	for _, fsys := range reg.Filesystems {
		if !slices.Contains(reg.ValidationTargets, fsys.Dialect) {
			continue
		}
		if err := registerFn(ctx, fsys.Dialect, reg.SourceLabel, fsys.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", fsys.Dialect, fsys.Path, err)
		}
	}
	return reg, nil
}

// Apply registers the migrations for dialect on client and runs them.
func Apply(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("migrations: persistence client is required")
	}
	_, err := Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, WithValidationTargets(dialect))
	if err != nil {
		return err
	}
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: apply %s: %w", dialect, err)
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(strings.ToLower(value))
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
