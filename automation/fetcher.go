package automation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/logger"
)

// localScope holds attended executions of package files that never came from the server
const localScope = "Local"

// Exporter streams the package bytes of a published automation
type Exporter interface {
	ExportAutomation(ctx context.Context, automationID string) (io.ReadCloser, error)
}

// Resolved is an automation unpacked into its execution directory
type Resolved struct {
	Engine         Engine
	Name           string
	MainScriptPath string
	// ManifestPath is empty when the package carries no manifest (server Python packages)
	ManifestPath string
	Manifest     *Manifest
	// ExecutionDir is owned by the caller, who deletes it after the run
	ExecutionDir string
	ProjectDir   string
}

// Fetcher downloads, caches and unpacks automation packages.
//
// Layout under root:
//
//	<engine>/<automationId>/<name>.nupkg      cached package
//	<engine>/<automationId>/<scopeId>/<name>/ unpacked per execution
//	Local/<scopeId>/<name>/                   attended local packages
type Fetcher struct {
	root     string
	exporter Exporter
	logger   *zap.SugaredLogger
}

// NewFetcher creates a fetcher rooted at the automations directory
func NewFetcher(root string, exporter Exporter, logger *zap.SugaredLogger) *Fetcher {
	return &Fetcher{root: root, exporter: exporter, logger: logger}
}

// Resolve prepares a server-published automation for the execution named by scopeID.
func (f *Fetcher) Resolve(ctx context.Context, a *Automation, scopeID string) (*Resolved, error) {
	engine, err := ParseEngine(a.Engine)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Automation ID: %s", a.ID))
	}

	name := packageName(a.Name)
	cacheDir := filepath.Join(f.root, string(engine), a.ID)
	packagePath := filepath.Join(cacheDir, name+".nupkg")

	log := f.logger.With(logger.FieldAutomationID, a.ID, logger.FieldScopeID, scopeID, logger.FieldEngine, engine)

	if err := f.ensureCached(ctx, a.ID, packagePath); err != nil {
		return nil, err
	}

	executionDir := filepath.Join(cacheDir, scopeID)
	resolved, err := f.unpack(packagePath, executionDir, name, engine)
	if err != nil {
		os.RemoveAll(executionDir)
		err = errors.WithDetail(err, fmt.Sprintf("Automation ID: %s", a.ID))
		return nil, errors.WithDetail(err, fmt.Sprintf("Automation name: %s", a.Name))
	}

	log.Debugw("Automation resolved",
		logger.FieldExecutionDir, executionDir,
		logger.FieldFile, resolved.MainScriptPath,
	)
	return resolved, nil
}

// ResolveLocal prepares a package file already on disk. The engine comes
// from the package manifest.
func (f *Fetcher) ResolveLocal(ctx context.Context, packagePath, scopeID string) (*Resolved, error) {
	if _, err := os.Stat(packagePath); err != nil {
		err = errors.Wrap(errors.ErrNotFound, "package file not found")
		return nil, errors.WithDetail(err, fmt.Sprintf("Package: %s", packagePath))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := packageName(strings.TrimSuffix(filepath.Base(packagePath), filepath.Ext(packagePath)))
	executionDir := filepath.Join(f.root, localScope, scopeID)

	resolved, err := f.unpack(packagePath, executionDir, name, "")
	if err != nil {
		os.RemoveAll(executionDir)
		return nil, errors.WithDetail(err, fmt.Sprintf("Package: %s", packagePath))
	}
	return resolved, nil
}

// ensureCached downloads the package unless a copy is already on disk
func (f *Fetcher) ensureCached(ctx context.Context, automationID, packagePath string) error {
	if info, err := os.Stat(packagePath); err == nil && info.Size() > 0 {
		f.logger.Debugw("Package already cached", logger.FieldFile, packagePath)
		return nil
	}
	if f.exporter == nil {
		return errors.Newf("no package source configured for automation %s", automationID)
	}

	if err := os.MkdirAll(filepath.Dir(packagePath), am.DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create package cache directory")
	}

	body, err := f.exporter.ExportAutomation(ctx, automationID)
	if err != nil {
		err = errors.Wrap(err, "failed to download automation package")
		return errors.WithDetail(err, fmt.Sprintf("Automation ID: %s", automationID))
	}
	defer body.Close()

	tmp := packagePath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, am.DefaultFilePermissions)
	if err != nil {
		return errors.Wrap(err, "failed to create package file")
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "failed to write automation package")
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to write automation package")
	}
	if err := os.Rename(tmp, packagePath); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to store automation package")
	}

	f.logger.Infow("Automation package downloaded",
		logger.FieldAutomationID, automationID,
		logger.FieldFile, packagePath,
	)
	return nil
}

// unpack extracts the package and locates its manifest and main script.
// An empty engine means it is read from the manifest.
func (f *Fetcher) unpack(packagePath, executionDir, name string, engine Engine) (*Resolved, error) {
	projectDir := filepath.Join(executionDir, name)
	if err := Unpack(packagePath, projectDir); err != nil {
		return nil, err
	}

	resolved := &Resolved{
		Engine:       engine,
		Name:         name,
		ExecutionDir: executionDir,
		ProjectDir:   projectDir,
	}

	manifestPath, hasManifest := FindFile(projectDir, ManifestFileName)
	if hasManifest {
		m, err := ReadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		resolved.Manifest = m
		resolved.ManifestPath = manifestPath
		if m.ProjectName != "" {
			resolved.Name = m.ProjectName
		}
	}

	if engine == EnginePython {
		main, ok := FindFile(projectDir, PythonMainFileName)
		if !ok {
			return nil, mainNotFound(PythonMainFileName, projectDir)
		}
		resolved.MainScriptPath = main
		return resolved, nil
	}

	if !hasManifest {
		err := errors.Wrapf(errors.ErrManifestNotFound, "%s not found in package", ManifestFileName)
		return nil, errors.WithDetail(err, fmt.Sprintf("Directory: %s", projectDir))
	}

	if engine == "" {
		declared, err := resolved.Manifest.Engine()
		if err != nil {
			return nil, err
		}
		resolved.Engine = declared
		if declared == EnginePython && resolved.Manifest.Main == "" {
			resolved.Manifest.Main = PythonMainFileName
		}
	}

	main, err := locateMain(filepath.Dir(manifestPath), projectDir, resolved.Manifest.Main)
	if err != nil {
		return nil, err
	}
	resolved.MainScriptPath = main
	return resolved, nil
}

// locateMain resolves the manifest's main entry relative to the manifest,
// falling back to a search of the whole unpacked tree.
func locateMain(manifestDir, projectDir, main string) (string, error) {
	if main == "" {
		return "", mainNotFound("<empty>", projectDir)
	}
	candidate := filepath.Join(manifestDir, filepath.FromSlash(main))
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate, nil
	}
	if path, ok := FindFile(projectDir, filepath.Base(filepath.FromSlash(main))); ok {
		return path, nil
	}
	return "", mainNotFound(main, projectDir)
}

func mainNotFound(main, dir string) error {
	err := errors.Wrapf(errors.ErrMainFileNotFound, "main file %s not found in package", main)
	return errors.WithDetail(err, fmt.Sprintf("Directory: %s", dir))
}

// packageName strips path separators so a server-supplied name cannot escape the cache
func packageName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(name)
	if name == "" {
		return "automation"
	}
	return name
}
