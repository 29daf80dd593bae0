// Package lockfile implements the Gemfile.lock-style text codec:
// GIT/PATH/GEM/PLATFORMS/DEPENDENCIES/CHECKSUMS sections that must
// round-trip byte-for-byte.
package lockfile

import (
	"bufio"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

// Dep is one dependency line under a specs: block, or under DEPENDENCIES.
type Dep struct {
	Name string
	Reqs string // e.g. ">= 1.0", without the parentheses; empty if unconstrained
}

// SpecLine is one `name (version)` entry with its own nested dependency
// lines, four-space indented under a two-space indented `specs:`.
type SpecLine struct {
	Name    string
	Version string
	Deps    []Dep
}

// Remote is one GIT or PATH source block.
type Remote struct {
	Remote   string
	Revision string // GIT only
	Branch   string // GIT only
	Tag      string // GIT only
	Glob     string
	Specs    []SpecLine
}

// GemRemote is one GEM source block.
type GemRemote struct {
	Remote string
	Specs  []SpecLine
}

// Checksum is one CHECKSUMS line: `name (version) sha256=...`.
type Checksum struct {
	Name, Version, Digest string
}

// DependencyLine is one DEPENDENCIES line; Pinned marks the `!` bang suffix
// bundler uses for non-registry (git/path) sources.
type DependencyLine struct {
	Name   string
	Reqs   string
	Pinned bool
}

// Lock is a fully parsed lockfile.
type Lock struct {
	Git          []Remote
	Path         []Remote
	Gem          []GemRemote
	Platforms    []string
	Dependencies []DependencyLine
	Checksums    []Checksum
	RubyVersion  string
	BundledWith  string
}

// Parse reads the Gemfile.lock-style text format.
func Parse(text string) (*Lock, error) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	l := &Lock{}
	i := 0
	for i < len(lines) {
		line := lines[i]
		switch {
		case line == "GIT":
			r, next := parseRemote(lines, i+1)
			l.Git = append(l.Git, r)
			i = next
		case line == "PATH":
			r, next := parseRemote(lines, i+1)
			l.Path = append(l.Path, r)
			i = next
		case line == "GEM":
			r, next := parseGemRemote(lines, i+1)
			l.Gem = append(l.Gem, r)
			i = next
		case line == "PLATFORMS":
			plats, next := parseIndentedList(lines, i+1, 2)
			l.Platforms = plats
			i = next
		case line == "DEPENDENCIES":
			deps, next := parseDependencies(lines, i+1)
			l.Dependencies = deps
			i = next
		case line == "CHECKSUMS":
			checks, next := parseChecksums(lines, i+1)
			l.Checksums = checks
			i = next
		case line == "RUBY VERSION":
			if i+1 < len(lines) {
				l.RubyVersion = strings.TrimSpace(lines[i+1])
				i += 2
			} else {
				i++
			}
		case line == "BUNDLED WITH":
			if i+1 < len(lines) {
				l.BundledWith = strings.TrimSpace(lines[i+1])
				i += 2
			} else {
				i++
			}
		case strings.TrimSpace(line) == "":
			i++
		default:
			return nil, xerrors.Errorf("lockfile: unrecognized section header %q at line %d", line, i+1)
		}
	}
	return l, nil
}

// parseRemote parses a GIT or PATH block starting right after the header.
func parseRemote(lines []string, i int) (Remote, int) {
	var r Remote
	for i < len(lines) {
		line := lines[i]
		if line == "" || !strings.HasPrefix(line, "  ") {
			break
		}
		trimmed := strings.TrimPrefix(line, "  ")
		switch {
		case strings.HasPrefix(trimmed, "remote: "):
			r.Remote = strings.TrimPrefix(trimmed, "remote: ")
			i++
		case strings.HasPrefix(trimmed, "revision: "):
			r.Revision = strings.TrimPrefix(trimmed, "revision: ")
			i++
		case strings.HasPrefix(trimmed, "branch: "):
			r.Branch = strings.TrimPrefix(trimmed, "branch: ")
			i++
		case strings.HasPrefix(trimmed, "tag: "):
			r.Tag = strings.TrimPrefix(trimmed, "tag: ")
			i++
		case strings.HasPrefix(trimmed, "glob: "):
			r.Glob = strings.TrimPrefix(trimmed, "glob: ")
			i++
		case trimmed == "specs:":
			specs, next := parseSpecs(lines, i+1)
			r.Specs = specs
			i = next
		default:
			i++
		}
	}
	return r, i
}

func parseGemRemote(lines []string, i int) (GemRemote, int) {
	var r GemRemote
	for i < len(lines) {
		line := lines[i]
		if line == "" || !strings.HasPrefix(line, "  ") {
			break
		}
		trimmed := strings.TrimPrefix(line, "  ")
		switch {
		case strings.HasPrefix(trimmed, "remote: "):
			r.Remote = strings.TrimPrefix(trimmed, "remote: ")
			i++
		case trimmed == "specs:":
			specs, next := parseSpecs(lines, i+1)
			r.Specs = specs
			i = next
		default:
			i++
		}
	}
	return r, i
}

func parseSpecs(lines []string, i int) ([]SpecLine, int) {
	var specs []SpecLine
	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(line, "    ") {
			break
		}
		if strings.HasPrefix(line, "      ") {
			// dependency line of the previous spec
			if len(specs) > 0 {
				name, reqs := splitNameReqs(strings.TrimPrefix(line, "      "))
				specs[len(specs)-1].Deps = append(specs[len(specs)-1].Deps, Dep{Name: name, Reqs: reqs})
			}
			i++
			continue
		}
		name, reqs := splitNameReqs(strings.TrimPrefix(line, "    "))
		specs = append(specs, SpecLine{Name: name, Version: reqs})
		i++
	}
	return specs, i
}

func parseIndentedList(lines []string, i int, indent int) ([]string, int) {
	prefix := strings.Repeat(" ", indent)
	var out []string
	for i < len(lines) && strings.HasPrefix(lines[i], prefix) {
		out = append(out, strings.TrimSpace(lines[i]))
		i++
	}
	return out, i
}

func parseDependencies(lines []string, i int) ([]DependencyLine, int) {
	var deps []DependencyLine
	for i < len(lines) && strings.HasPrefix(lines[i], "  ") {
		raw := strings.TrimPrefix(lines[i], "  ")
		pinned := strings.HasSuffix(raw, "!")
		raw = strings.TrimSuffix(raw, "!")
		name, reqs := splitNameReqs(raw)
		deps = append(deps, DependencyLine{Name: name, Reqs: reqs, Pinned: pinned})
		i++
	}
	return deps, i
}

func parseChecksums(lines []string, i int) ([]Checksum, int) {
	var out []Checksum
	for i < len(lines) && strings.HasPrefix(lines[i], "  ") {
		raw := strings.TrimPrefix(lines[i], "  ")
		parts := strings.SplitN(raw, " ", 2)
		name, version := splitNameReqs(parts[0])
		digest := ""
		if len(parts) > 1 {
			digest = parts[1]
		}
		out = append(out, Checksum{Name: name, Version: version, Digest: digest})
		i++
	}
	return out, i
}

// splitNameReqs splits "name (reqs)" into ("name", "reqs"); reqs is empty
// when there is no parenthesized suffix.
func splitNameReqs(s string) (string, string) {
	open := strings.Index(s, "(")
	if open == -1 {
		return strings.TrimSpace(s), ""
	}
	name := strings.TrimSpace(s[:open])
	reqs := strings.TrimSuffix(strings.TrimPrefix(s[open:], "("), ")")
	return name, reqs
}

// String renders the lockfile back to its canonical text form. Platforms
// are emitted ASCIIbetically sorted, matching bundler's own writer.
func (l *Lock) String() string {
	var b strings.Builder
	w := bufio.NewWriter(&b)

	for _, r := range l.Git {
		fmt.Fprintln(w, "GIT")
		writeRemoteFields(w, r, true)
		fmt.Fprintln(w)
	}
	for _, r := range l.Path {
		fmt.Fprintln(w, "PATH")
		writeRemoteFields(w, r, false)
		fmt.Fprintln(w)
	}
	for _, r := range l.Gem {
		fmt.Fprintln(w, "GEM")
		fmt.Fprintf(w, "  remote: %s\n", r.Remote)
		fmt.Fprintln(w, "  specs:")
		writeSpecs(w, r.Specs)
		fmt.Fprintln(w)
	}

	if len(l.Platforms) > 0 {
		fmt.Fprintln(w, "PLATFORMS")
		sorted := append([]string(nil), l.Platforms...)
		sort.Strings(sorted)
		for _, p := range sorted {
			fmt.Fprintf(w, "  %s\n", p)
		}
		fmt.Fprintln(w)
	}

	if len(l.Checksums) > 0 {
		fmt.Fprintln(w, "CHECKSUMS")
		for _, c := range l.Checksums {
			fmt.Fprintf(w, "  %s (%s) %s\n", c.Name, c.Version, c.Digest)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "DEPENDENCIES")
	for _, d := range l.Dependencies {
		bang := ""
		if d.Pinned {
			bang = "!"
		}
		if d.Reqs != "" {
			fmt.Fprintf(w, "  %s (%s)%s\n", d.Name, d.Reqs, bang)
		} else {
			fmt.Fprintf(w, "  %s%s\n", d.Name, bang)
		}
	}

	if l.RubyVersion != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "RUBY VERSION")
		fmt.Fprintf(w, "   %s\n", l.RubyVersion)
	}

	if l.BundledWith != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "BUNDLED WITH")
		fmt.Fprintf(w, "   %s\n", l.BundledWith)
	}

	w.Flush()
	return b.String()
}

func writeRemoteFields(w *bufio.Writer, r Remote, isGit bool) {
	fmt.Fprintf(w, "  remote: %s\n", r.Remote)
	if isGit && r.Revision != "" {
		fmt.Fprintf(w, "  revision: %s\n", r.Revision)
	}
	if isGit && r.Branch != "" {
		fmt.Fprintf(w, "  branch: %s\n", r.Branch)
	}
	if isGit && r.Tag != "" {
		fmt.Fprintf(w, "  tag: %s\n", r.Tag)
	}
	if r.Glob != "" {
		fmt.Fprintf(w, "  glob: %s\n", r.Glob)
	}
	fmt.Fprintln(w, "  specs:")
	writeSpecs(w, r.Specs)
}

func writeSpecs(w *bufio.Writer, specs []SpecLine) {
	for _, s := range specs {
		fmt.Fprintf(w, "    %s (%s)\n", s.Name, s.Version)
		for _, d := range s.Deps {
			if d.Reqs != "" {
				fmt.Fprintf(w, "      %s (%s)\n", d.Name, d.Reqs)
			} else {
				fmt.Fprintf(w, "      %s\n", d.Name)
			}
		}
	}
}
