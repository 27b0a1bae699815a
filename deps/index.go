package deps

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/botagent/errors"
)

// InstalledPackage is one row of the install index
type InstalledPackage struct {
	ID          string
	Version     string
	Source      string
	InstallPath string
	InstalledAt time.Time
}

// Index records which packages the resolver extracted and what they depend on.
// The packages directory stays authoritative; the index lets tooling list
// installs without walking the tree.
type Index struct {
	db *sql.DB
}

// NewIndex wraps an already migrated database
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Record upserts an installed package and replaces its dependency rows
func (x *Index) Record(ctx context.Context, pkg InstalledPackage, dependencies []Dependency) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin index transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO installed_packages (package_id, version, source, install_path)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (package_id, version) DO UPDATE SET
			source = excluded.source,
			install_path = excluded.install_path`,
		pkg.ID, pkg.Version, pkg.Source, pkg.InstallPath)
	if err != nil {
		return errors.Wrapf(err, "failed to record %s.%s", pkg.ID, pkg.Version)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM package_dependencies WHERE package_id = ? AND version = ?`,
		pkg.ID, pkg.Version); err != nil {
		return errors.Wrapf(err, "failed to clear dependencies of %s.%s", pkg.ID, pkg.Version)
	}
	for _, d := range dependencies {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO package_dependencies (package_id, version, dependency_id, dependency_range)
			VALUES (?, ?, ?, ?)`,
			pkg.ID, pkg.Version, d.ID, d.Range); err != nil {
			return errors.Wrapf(err, "failed to record dependency %s of %s.%s", d.ID, pkg.ID, pkg.Version)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit index transaction")
	}
	return nil
}

// IsInstalled reports whether id at version is recorded
func (x *Index) IsInstalled(ctx context.Context, id, version string) (bool, error) {
	var exists bool
	err := x.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM installed_packages WHERE package_id = ? AND version = ?)`,
		id, version).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to query index for %s.%s", id, version)
	}
	return exists, nil
}

// Dependencies returns the recorded dependencies of id at version
func (x *Index) Dependencies(ctx context.Context, id, version string) ([]Dependency, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT dependency_id, dependency_range FROM package_dependencies
		WHERE package_id = ? AND version = ?
		ORDER BY dependency_id`, id, version)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query dependencies of %s.%s", id, version)
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.ID, &d.Range); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependency")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "failed to read dependencies")
}

// List returns every recorded install ordered by id and version
func (x *Index) List(ctx context.Context) ([]InstalledPackage, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT package_id, version, source, install_path, installed_at
		FROM installed_packages ORDER BY package_id, version`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list installed packages")
	}
	defer rows.Close()

	var out []InstalledPackage
	for rows.Next() {
		var p InstalledPackage
		if err := rows.Scan(&p.ID, &p.Version, &p.Source, &p.InstallPath, &p.InstalledAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan installed package")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "failed to read installed packages")
}

// Forget removes a package from the index
func (x *Index) Forget(ctx context.Context, id, version string) error {
	_, err := x.db.ExecContext(ctx,
		`DELETE FROM installed_packages WHERE package_id = ? AND version = ?`, id, version)
	return errors.Wrapf(err, "failed to forget %s.%s", id, version)
}
