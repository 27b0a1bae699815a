package deps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-getter"

	"github.com/teranos/botagent/am"
	"github.com/teranos/botagent/errors"
	"github.com/teranos/botagent/internal/httpclient"
)

// Source is a package feed the resolver can list versions from and
// download packages out of.
type Source interface {
	Name() string
	// Versions lists every version of id the feed carries; none is not an error
	Versions(ctx context.Context, id string) ([]*semver.Version, error)
	// Location is the go-getter source address of one package file
	Location(id string, v *semver.Version) string
}

// FolderSource is a local directory feed, either flat (<id>.<version>.nupkg)
// or hierarchical (<id>/<version>/<id>.<version>.nupkg).
type FolderSource struct {
	name string
	dir  string
}

// NewFolderSource creates a feed over dir
func NewFolderSource(name, dir string) *FolderSource {
	return &FolderSource{name: name, dir: dir}
}

func (s *FolderSource) Name() string { return s.name }

func (s *FolderSource) Versions(ctx context.Context, id string) ([]*semver.Version, error) {
	prefix := strings.ToLower(id) + "."
	var raw []string

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list feed %s", s.name)
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if e.IsDir() && name == strings.ToLower(id) {
			sub, err := os.ReadDir(filepath.Join(s.dir, e.Name()))
			if err != nil {
				continue
			}
			for _, v := range sub {
				if v.IsDir() {
					raw = append(raw, v.Name())
				}
			}
			continue
		}
		if !e.IsDir() && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".nupkg") {
			raw = append(raw, strings.TrimSuffix(e.Name()[len(prefix):], filepath.Ext(e.Name())))
		}
	}
	return parseVersions(raw), nil
}

func (s *FolderSource) Location(id string, v *semver.Version) string {
	file := id + "." + v.Original() + ".nupkg"
	nested := filepath.Join(s.dir, id, v.Original(), file)
	if _, err := os.Stat(nested); err == nil {
		return nested
	}
	if path, ok := findFold(s.dir, file); ok {
		return path
	}
	return filepath.Join(s.dir, file)
}

// findFold finds name in dir ignoring case
func findFold(dir, name string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// HTTPSource is a NuGet v3 flat-container feed:
//
//	{base}/{id}/index.json                  version listing
//	{base}/{id}/{version}/{id}.{version}.nupkg
//
// ids and versions are lower-cased in both addresses.
type HTTPSource struct {
	name   string
	base   string
	client *httpclient.Client
}

// NewHTTPSource creates a feed rooted at base
func NewHTTPSource(name, base string, client *httpclient.Client) *HTTPSource {
	return &HTTPSource{name: name, base: strings.TrimRight(base, "/"), client: client}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Versions(ctx context.Context, id string) ([]*semver.Version, error) {
	target := fmt.Sprintf("%s/%s/index.json", s.base, url.PathEscape(strings.ToLower(id)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build version request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		err = errors.Wrapf(errors.ErrRemoteTransport, "feed %s unreachable", s.name)
		return nil, errors.WithDetail(err, fmt.Sprintf("URL: %s", target))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.WithStack(&errors.RemoteStatusError{Method: http.MethodGet, Path: target, StatusCode: resp.StatusCode})
	}

	var index struct {
		Versions []string `json:"versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return nil, errors.Wrapf(err, "failed to decode version index from %s", s.name)
	}
	return parseVersions(index.Versions), nil
}

func (s *HTTPSource) Location(id string, v *semver.Version) string {
	lid := strings.ToLower(id)
	lv := strings.ToLower(v.Original())
	return fmt.Sprintf("%s/%s/%s/%s.%s.nupkg", s.base, url.PathEscape(lid), url.PathEscape(lv), lid, lv)
}

// SourcesFromConfig builds feeds from the enabled configured sources.
// Addresses go-getter detects as files become folder feeds; the rest are HTTP feeds.
func SourcesFromConfig(sources []am.PackageSource, client *httpclient.Client) ([]Source, error) {
	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	out := make([]Source, 0, len(sources))
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		detected, err := getter.Detect(src.URL, pwd, getter.Detectors)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to detect package source %q", src.Name)
		}
		u, err := url.Parse(detected)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid package source %q", src.Name)
		}
		switch u.Scheme {
		case "file", "":
			out = append(out, NewFolderSource(src.Name, u.Path))
		case "http", "https":
			out = append(out, NewHTTPSource(src.Name, detected, client))
		default:
			return nil, errors.Newf("package source %q has unsupported scheme %q", src.Name, u.Scheme)
		}
	}
	return out, nil
}

// download fetches one package file from a source address into dst
func download(ctx context.Context, src, dst string, client *httpclient.Client) error {
	httpGetter := &getter.HttpGetter{Client: client.Client}
	gc := &getter.Client{
		Ctx:  ctx,
		Src:  src,
		Dst:  dst,
		Mode: getter.ClientModeFile,
		Getters: map[string]getter.Getter{
			"file":  &getter.FileGetter{Copy: true},
			"http":  httpGetter,
			"https": httpGetter,
		},
	}
	if err := gc.Get(); err != nil {
		err = errors.Wrap(err, "failed to download package")
		return errors.WithDetail(err, fmt.Sprintf("Source: %s", src))
	}
	return nil
}
