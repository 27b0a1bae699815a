// Package deps installs an automation's library dependencies from package
// feeds and resolves the assembly paths the executor has to load.
//
// Versions are chosen with a lowest-compatible policy: for every range the
// lowest available version that satisfies it is installed. Packages are
// extracted once into <packages>/<id>.<version> and reused afterwards.
package deps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/automation"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/internal/httpclient"
	"github.com/teranos/botagent/logger"
)

// DefaultTargetFramework is the lib/ folder consulted when none is configured
const DefaultTargetFramework = "net48"

// Config locates the install tree
type Config struct {
	PackagesDir     string
	TargetFramework string
}

// Resolver installs and resolves dependencies
type Resolver struct {
	cfg     Config
	sources []Source
	client  *httpclient.Client
	index   *Index
	logger  *zap.SugaredLogger
}

// NewResolver creates a resolver. A nil index skips install bookkeeping.
func NewResolver(cfg Config, sources []Source, client *httpclient.Client, index *Index, logger *zap.SugaredLogger) *Resolver {
	if cfg.TargetFramework == "" {
		cfg.TargetFramework = DefaultTargetFramework
	}
	return &Resolver{cfg: cfg, sources: sources, client: client, index: index, logger: logger}
}

// installed is one package extracted on disk
type installed struct {
	id      string
	version string
	dir     string
}

// walk tracks one top-level dependency's transitive closure
type walk struct {
	seen    map[string]bool
	results []installed
}

// InstallAndResolve installs every dependency the manifest at manifestPath
// declares and returns the de-duplicated assembly paths to load. Failures
// of individual dependencies are collected into one DependencyResolutionError.
func (r *Resolver) InstallAndResolve(ctx context.Context, manifestPath string) ([]string, error) {
	m, err := automation.ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	if len(m.Dependencies) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(m.Dependencies))
	for id := range m.Dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var failures []errors.DependencyFailure
	var all []installed
	for _, id := range ids {
		w := &walk{seen: map[string]bool{}}
		if err := r.install(ctx, Dependency{ID: id, Range: m.Dependencies[id]}, w); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures = append(failures, r.failure(id, m.Dependencies[id], err))
			continue
		}
		all = append(all, w.results...)
	}

	if len(failures) > 0 {
		err := errors.WithStack(&errors.DependencyResolutionError{Failures: failures})
		err = errors.WithHint(err, "Install the missing packages through the package manager, or add a package source that provides them")
		return nil, errors.WithDetail(err, fmt.Sprintf("Manifest: %s", manifestPath))
	}

	paths := r.libraryPaths(all)
	r.logger.Infow("Dependencies resolved",
		logger.FieldFile, manifestPath,
		logger.FieldCount, len(paths),
	)
	return paths, nil
}

// install selects, extracts and recurses into one dependency
func (r *Resolver) install(ctx context.Context, dep Dependency, w *walk) error {
	key := strings.ToLower(dep.ID)
	if w.seen[key] {
		return nil
	}
	w.seen[key] = true

	constraint, err := ParseRange(dep.Range)
	if err != nil {
		return err
	}

	version, dir, ok := r.installedCandidate(dep.ID, constraint)
	source := ""
	if !ok {
		var src Source
		src, version, err = r.selectVersion(ctx, dep.ID, constraint)
		if err != nil {
			return err
		}
		dir = r.installDir(dep.ID, version)
		if err := r.extract(ctx, src, dep.ID, version, dir); err != nil {
			return err
		}
		source = src.Name()
	}

	nuspec, err := r.nuspecIn(dir)
	if err != nil {
		return err
	}
	children := nuspec.DependenciesFor(r.cfg.TargetFramework)

	if r.index != nil && source != "" {
		if err := r.index.Record(ctx, InstalledPackage{
			ID: dep.ID, Version: version.Original(), Source: source, InstallPath: dir,
		}, children); err != nil {
			r.logger.Warnw("Failed to record install in index",
				logger.FieldPackageID, dep.ID,
				logger.FieldError, err,
			)
		}
	}

	w.results = append(w.results, installed{id: dep.ID, version: version.Original(), dir: dir})

	for _, child := range children {
		if err := r.install(ctx, child, w); err != nil {
			return errors.Wrapf(err, "dependency %s of %s.%s", child.ID, dep.ID, version.Original())
		}
	}
	return nil
}

// installedCandidate returns the lowest satisfying version already extracted
func (r *Resolver) installedCandidate(id string, c *semver.Constraints) (*semver.Version, string, bool) {
	entries, err := os.ReadDir(r.cfg.PackagesDir)
	if err != nil {
		return nil, "", false
	}
	prefix := strings.ToLower(id) + "."
	found := map[*semver.Version]string{}
	var versions []*semver.Version
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if !e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		v, err := semver.NewVersion(e.Name()[len(prefix):])
		if err != nil {
			continue
		}
		versions = append(versions, v)
		found[v] = filepath.Join(r.cfg.PackagesDir, e.Name())
	}
	best := Lowest(versions, c)
	if best == nil {
		return nil, "", false
	}
	r.logger.Debugw("Dependency already installed",
		logger.FieldPackageID, id,
		logger.FieldVersion, best.Original(),
	)
	return best, found[best], true
}

// selectVersion queries every source and picks the lowest satisfying version
func (r *Resolver) selectVersion(ctx context.Context, id string, c *semver.Constraints) (Source, *semver.Version, error) {
	if len(r.sources) == 0 {
		return nil, nil, errors.New("no package sources are enabled")
	}

	var best *semver.Version
	var bestSource Source
	var lastErr error
	for _, src := range r.sources {
		versions, err := src.Versions(ctx, id)
		if err != nil {
			lastErr = err
			r.logger.Warnw("Package source query failed",
				"source", src.Name(),
				logger.FieldPackageID, id,
				logger.FieldError, err,
			)
			continue
		}
		if v := Lowest(versions, c); v != nil && (best == nil || v.LessThan(best)) {
			best, bestSource = v, src
		}
	}
	if best == nil {
		if lastErr != nil {
			return nil, nil, lastErr
		}
		return nil, nil, errors.Newf("no version of %s satisfies %s", id, c)
	}
	return bestSource, best, nil
}

// extract downloads the package and unpacks it into dir
func (r *Resolver) extract(ctx context.Context, src Source, id string, v *semver.Version, dir string) error {
	if err := os.MkdirAll(r.cfg.PackagesDir, am.DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create packages directory")
	}
	tmp, err := os.MkdirTemp(r.cfg.PackagesDir, ".download-*")
	if err != nil {
		return errors.Wrap(err, "failed to create download directory")
	}
	defer os.RemoveAll(tmp)

	file := filepath.Join(tmp, strings.ToLower(id)+"."+v.Original()+".nupkg")
	if err := download(ctx, src.Location(id, v), file, r.client); err != nil {
		return err
	}
	if err := automation.Unpack(file, dir); err != nil {
		os.RemoveAll(dir)
		return err
	}

	r.logger.Infow("Dependency installed",
		logger.FieldPackageID, id,
		logger.FieldVersion, v.Original(),
		"source", src.Name(),
	)
	return nil
}

func (r *Resolver) nuspecIn(dir string) (*Nuspec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", dir)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".nuspec") {
			return ReadNuspec(filepath.Join(dir, e.Name()))
		}
	}
	return nil, errors.Newf("no .nuspec found in %s", dir)
}

func (r *Resolver) installDir(id string, v *semver.Version) string {
	return filepath.Join(r.cfg.PackagesDir, id+"."+v.Original())
}

// failure describes a top-level dependency that could not be installed
func (r *Resolver) failure(id, versionRange string, cause error) errors.DependencyFailure {
	version := strings.Trim(versionRange, "[]() ")
	path := filepath.Join(r.cfg.PackagesDir, id+"."+version)
	r.logger.Errorw("Dependency installation failed",
		logger.FieldPackageID, id,
		logger.FieldVersion, versionRange,
		logger.FieldError, cause,
	)
	return errors.DependencyFailure{
		ID:      id,
		Version: versionRange,
		Reason:  fmt.Sprintf("Unable to load %s: %v", path, cause),
	}
}

// libraryPaths lists the assemblies of every installed package, keeping one
// path per file name and package version.
func (r *Resolver) libraryPaths(pkgs []installed) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range pkgs {
		for _, file := range r.assemblies(p.dir) {
			key := strings.ToLower(filepath.Base(file)) + "|" + p.version
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, file)
		}
	}
	return out
}

// assemblies returns the .dll files under lib/ for the best matching framework
func (r *Resolver) assemblies(dir string) []string {
	lib := filepath.Join(dir, "lib")
	for _, fw := range r.frameworkCandidates(lib) {
		matches, _ := filepath.Glob(filepath.Join(lib, fw, "*.dll"))
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches
		}
	}
	matches, _ := filepath.Glob(filepath.Join(lib, "*.dll"))
	sort.Strings(matches)
	return matches
}

// frameworkCandidates orders lib/ subfolders: the configured framework,
// then .NET Standard from newest to oldest.
func (r *Resolver) frameworkCandidates(lib string) []string {
	entries, err := os.ReadDir(lib)
	if err != nil {
		return nil
	}
	want := strings.ToLower(r.cfg.TargetFramework)
	var exact string
	var standard []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		switch {
		case name == want:
			exact = e.Name()
		case strings.HasPrefix(name, "netstandard"):
			standard = append(standard, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(standard)))

	var out []string
	if exact != "" {
		out = append(out, exact)
	}
	return append(out, standard...)
}
