package deps

import (
	"encoding/xml"
	"os"
	"strings"

	"github.com/teranos/botagent/errors"
)

// Dependency is one package reference: an id and a NuGet version range
type Dependency struct {
	ID    string
	Range string
}

// Nuspec is the metadata a package ships in its .nuspec file
type Nuspec struct {
	ID      string
	Version string
	groups  []dependencyGroup
}

type nuspecDoc struct {
	Metadata struct {
		ID           string `xml:"id"`
		Version      string `xml:"version"`
		Dependencies struct {
			Groups []dependencyGroup `xml:"group"`
			Flat   []nuspecDep       `xml:"dependency"`
		} `xml:"dependencies"`
	} `xml:"metadata"`
}

type dependencyGroup struct {
	TargetFramework string      `xml:"targetFramework,attr"`
	Dependencies    []nuspecDep `xml:"dependency"`
}

type nuspecDep struct {
	ID      string `xml:"id,attr"`
	Version string `xml:"version,attr"`
}

// ReadNuspec parses the .nuspec file at path
func ReadNuspec(path string) (*Nuspec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return ParseNuspec(data)
}

// ParseNuspec parses nuspec XML. Namespaces are ignored.
func ParseNuspec(data []byte) (*Nuspec, error) {
	var doc nuspecDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse nuspec")
	}
	m := doc.Metadata
	if m.ID == "" {
		return nil, errors.New("nuspec has no package id")
	}

	n := &Nuspec{ID: m.ID, Version: m.Version, groups: m.Dependencies.Groups}
	if len(m.Dependencies.Flat) > 0 {
		n.groups = append(n.groups, dependencyGroup{Dependencies: m.Dependencies.Flat})
	}
	return n, nil
}

// DependenciesFor returns the dependencies declared for the target framework
// moniker (net48, netstandard2.0, ...). An exact group wins, then a group with
// no framework, then the nearest .NET Standard group.
func (n *Nuspec) DependenciesFor(tfm string) []Dependency {
	var chosen *dependencyGroup
	want := normalizeFramework(tfm)

	for i := range n.groups {
		if normalizeFramework(n.groups[i].TargetFramework) == want {
			chosen = &n.groups[i]
			break
		}
	}
	if chosen == nil {
		for i := range n.groups {
			if n.groups[i].TargetFramework == "" {
				chosen = &n.groups[i]
				break
			}
		}
	}
	if chosen == nil {
		best := ""
		for i := range n.groups {
			fw := normalizeFramework(n.groups[i].TargetFramework)
			if strings.HasPrefix(fw, "netstandard") && fw > best {
				best = fw
				chosen = &n.groups[i]
			}
		}
	}
	if chosen == nil {
		return nil
	}

	out := make([]Dependency, 0, len(chosen.Dependencies))
	for _, d := range chosen.Dependencies {
		out = append(out, Dependency{ID: d.ID, Range: d.Version})
	}
	return out
}

// normalizeFramework maps long framework names to short monikers:
// ".NETFramework4.8" -> "net48", ".NETStandard2.0" -> "netstandard2.0".
func normalizeFramework(fw string) string {
	fw = strings.ToLower(strings.TrimSpace(fw))
	switch {
	case strings.HasPrefix(fw, ".netframework"):
		return "net" + strings.ReplaceAll(strings.TrimPrefix(fw, ".netframework"), ".", "")
	case strings.HasPrefix(fw, ".netstandard"):
		return "netstandard" + strings.TrimPrefix(fw, ".netstandard")
	case strings.HasPrefix(fw, ".netcoreapp"):
		return "netcoreapp" + strings.TrimPrefix(fw, ".netcoreapp")
	}
	return fw
}
