package deps

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/botagent/errors"
)

// ParseRange converts a NuGet version range into a semver constraint.
//
//	1.2.0        >= 1.2.0
//	[1.2.0]      = 1.2.0
//	[1.0,2.0)    >= 1.0, < 2.0
//	(1.0,)       > 1.0
//	(,2.0]       <= 2.0
//	""           any version
func ParseRange(r string) (*semver.Constraints, error) {
	expr, err := rangeExpression(strings.TrimSpace(r))
	if err != nil {
		return nil, err
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid version range %q", r)
	}
	return c, nil
}

func rangeExpression(r string) (string, error) {
	if r == "" || r == "*" {
		return "*", nil
	}

	open, close := r[0], r[len(r)-1]
	if open != '[' && open != '(' {
		v, err := normalizeBound(r, r)
		if err != nil {
			return "", err
		}
		return ">= " + v, nil
	}
	if close != ']' && close != ')' {
		return "", errors.Newf("unterminated version range %q", r)
	}

	body := strings.TrimSpace(r[1 : len(r)-1])
	if !strings.Contains(body, ",") {
		if open != '[' || close != ']' || body == "" {
			return "", errors.Newf("invalid version range %q", r)
		}
		v, err := normalizeBound(body, r)
		if err != nil {
			return "", err
		}
		return "= " + v, nil
	}

	parts := strings.SplitN(body, ",", 2)
	lower, upper := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	var terms []string
	var err error
	if lower != "" {
		if lower, err = normalizeBound(lower, r); err != nil {
			return "", err
		}
		op := "> "
		if open == '[' {
			op = ">= "
		}
		terms = append(terms, op+lower)
	}
	if upper != "" {
		if upper, err = normalizeBound(upper, r); err != nil {
			return "", err
		}
		op := "< "
		if close == ']' {
			op = "<= "
		}
		terms = append(terms, op+upper)
	}
	if len(terms) == 0 {
		return "*", nil
	}
	return strings.Join(terms, ", "), nil
}

// normalizeBound expands a bound to major.minor.patch. Partial versions in a
// semver constraint match a whole minor or patch line, so "> 1.0" would
// exclude 1.0.1 and "<= 2.0" would admit 2.0.1.
func normalizeBound(b, r string) (string, error) {
	v, err := semver.NewVersion(b)
	if err != nil {
		return "", errors.Wrapf(err, "invalid version %q in range %q", b, r)
	}
	return v.String(), nil
}

// Lowest returns the lowest version satisfying c, or nil when none does
func Lowest(versions []*semver.Version, c *semver.Constraints) *semver.Version {
	var best *semver.Version
	for _, v := range versions {
		if !c.Check(v) {
			continue
		}
		if best == nil || v.LessThan(best) {
			best = v
		}
	}
	return best
}

// parseVersions parses every version string, skipping ones that are not semver
func parseVersions(raw []string) []*semver.Version {
	out := make([]*semver.Version, 0, len(raw))
	for _, s := range raw {
		if v, err := semver.NewVersion(s); err == nil {
			out = append(out, v)
		}
	}
	return out
}
