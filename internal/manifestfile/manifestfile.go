// Package manifestfile parses the Gemfile-style manifest format: source
// declarations and gem dependency lines with a small set of recognized
// options. This is a line-oriented subset parser, not a full Ruby DSL
// evaluator.
package manifestfile

import (
	"regexp"
	"strings"

	"golang.org/x/xerrors"

	"github.com/kraklabs/scint"
)

// SourceDecl is a top-level `source "URL"` declaration.
type SourceDecl struct {
	URI string
}

// Manifest is the parsed manifest.
type Manifest struct {
	Sources      []SourceDecl
	Dependencies []scint.Dependency
	RubyVersion  string
	Platforms    []string
}

var (
	sourceRe    = regexp.MustCompile(`^source\s+(['"])(.*?)\1\s*$`)
	rubyRe      = regexp.MustCompile(`^ruby\s+(['"])(.*?)\1\s*$`)
	groupOpenRe = regexp.MustCompile(`^group\s+(.+?)\s+do\s*$`)
	platOpenRe  = regexp.MustCompile(`^platforms\s+(.+?)\s+do\s*$`)
	gemRe       = regexp.MustCompile(`^gem\s+(['"])(.*?)\1(.*)$`)
	symbolRe    = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)
	stringArgRe = regexp.MustCompile(`(['"])(.*?)\1`)
)

// Parse reads a Gemfile-style manifest.
func Parse(text string) (*Manifest, error) {
	m := &Manifest{}
	var groupStack []string
	var platformStack []string

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case sourceRe.MatchString(line):
			g := sourceRe.FindStringSubmatch(line)
			m.Sources = append(m.Sources, SourceDecl{URI: g[2]})
		case rubyRe.MatchString(line):
			g := rubyRe.FindStringSubmatch(line)
			m.RubyVersion = g[2]
		case groupOpenRe.MatchString(line):
			g := groupOpenRe.FindStringSubmatch(line)
			groupStack = append(groupStack, parseSymbols(g[1])...)
		case platOpenRe.MatchString(line):
			g := platOpenRe.FindStringSubmatch(line)
			platformStack = append(platformStack, parseSymbols(g[1])...)
		case line == "end":
			if len(platformStack) > 0 {
				platformStack = nil
			} else if len(groupStack) > 0 {
				groupStack = nil
			}
		case gemRe.MatchString(line):
			dep, err := parseGemLine(line, groupStack, platformStack)
			if err != nil {
				return nil, xerrors.Errorf("manifestfile: %w", err)
			}
			m.Dependencies = append(m.Dependencies, dep)
		default:
			return nil, xerrors.Errorf("manifestfile: unrecognized line %q", rawLine)
		}
	}
	return m, nil
}

func parseSymbols(s string) []string {
	matches := symbolRe.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func parseGemLine(line string, groups, platforms []string) (scint.Dependency, error) {
	g := gemRe.FindStringSubmatch(line)
	name := g[2]
	rest := g[3]

	dep := scint.Dependency{Name: name, Groups: append([]string(nil), groups...), Platforms: append([]string(nil), platforms...)}

	// Positional version requirement strings, e.g. gem "rack", "~> 2.2".
	for _, m := range stringArgRe.FindAllStringSubmatch(rest, -1) {
		dep.VersionReqs = append(dep.VersionReqs, m[2])
	}

	switch {
	case hasOption(rest, "git"):
		dep.SourceOpts.Kind = scint.SourceOptsGit
		dep.SourceOpts.Git = optionValue(rest, "git")
		dep.SourceOpts.Branch = optionValue(rest, "branch")
		dep.SourceOpts.Ref = optionValue(rest, "ref")
		dep.SourceOpts.Tag = optionValue(rest, "tag")
		dep.SourceOpts.Glob = optionValue(rest, "glob")
		dep.SourceOpts.Submodules = boolOption(rest, "submodules")
		// git/branch/tag/ref themselves are not version requirements.
		dep.VersionReqs = filterOutOptionValues(dep.VersionReqs, dep.SourceOpts.Git, dep.SourceOpts.Branch, dep.SourceOpts.Ref, dep.SourceOpts.Tag, dep.SourceOpts.Glob)
	case hasOption(rest, "path"):
		dep.SourceOpts.Kind = scint.SourceOptsPath
		dep.SourceOpts.Path = optionValue(rest, "path")
		dep.SourceOpts.Glob = optionValue(rest, "glob")
		dep.VersionReqs = filterOutOptionValues(dep.VersionReqs, dep.SourceOpts.Path, dep.SourceOpts.Glob)
	case hasOption(rest, "source"):
		dep.SourceOpts.Kind = scint.SourceOptsRegistry
		dep.SourceOpts.Registry = optionValue(rest, "source")
		dep.VersionReqs = filterOutOptionValues(dep.VersionReqs, dep.SourceOpts.Registry)
	}

	if g, ok := inlineOptionGroups(rest); ok {
		dep.Groups = append(dep.Groups, g...)
	}
	if p, ok := inlineOptionPlatforms(rest); ok {
		dep.Platforms = append(dep.Platforms, p...)
	}
	if req := optionValue(rest, "require"); req != "" {
		dep.Require.Paths = []string{req}
	}
	if hasOption(rest, "require") && optionIsFalse(rest, "require") {
		dep.Require.Disabled = true
	}

	return dep, nil
}

func hasOption(rest, key string) bool {
	return regexp.MustCompile(key + `:\s*`).MatchString(rest)
}

func optionValue(rest, key string) string {
	re := regexp.MustCompile(key + `:\s*(['"])(.*?)\1`)
	m := re.FindStringSubmatch(rest)
	if m == nil {
		return ""
	}
	return m[2]
}

func boolOption(rest, key string) bool {
	re := regexp.MustCompile(key + `:\s*(true|false)`)
	m := re.FindStringSubmatch(rest)
	return m != nil && m[1] == "true"
}

func optionIsFalse(rest, key string) bool {
	re := regexp.MustCompile(key + `:\s*false`)
	return re.MatchString(rest)
}

func inlineOptionGroups(rest string) ([]string, bool) {
	re := regexp.MustCompile(`group:\s*(\[[^\]]*\]|:[A-Za-z_]+)`)
	m := re.FindStringSubmatch(rest)
	if m == nil {
		return nil, false
	}
	return parseSymbols(m[1]), true
}

func inlineOptionPlatforms(rest string) ([]string, bool) {
	re := regexp.MustCompile(`platforms:\s*(\[[^\]]*\]|:[A-Za-z_]+)`)
	m := re.FindStringSubmatch(rest)
	if m == nil {
		return nil, false
	}
	return parseSymbols(m[1]), true
}

func filterOutOptionValues(reqs []string, exclude ...string) []string {
	ex := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		if e != "" {
			ex[e] = true
		}
	}
	out := reqs[:0]
	for _, r := range reqs {
		if !ex[r] {
			out = append(out, r)
		}
	}
	return out
}
