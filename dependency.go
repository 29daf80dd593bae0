package scint

// SourceOpts pins a Dependency to a non-default source.
type SourceOptsKind int

const (
	SourceOptsNone SourceOptsKind = iota
	SourceOptsRegistry
	SourceOptsPath
	SourceOptsGit
)

type SourceOpts struct {
	Kind     SourceOptsKind
	Registry string
	Path     string
	Git      string
	Branch   string
	Tag      string
	Ref      string
	Submodules bool
	Glob     string
}

// Dependency is a manifest-declared top-level dependency.
type Dependency struct {
	Name        string
	VersionReqs []string
	SourceOpts  SourceOpts
	Groups      []string
	Platforms   []string
	Require     Require
}

// Require models the "require:" manifest option: false disables autoload,
// nil means "same as name", non-empty lists explicit require paths.
type Require struct {
	Disabled bool
	Paths    []string
}
