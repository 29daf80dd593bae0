package orchestrate

import (
	"os"
	"path/filepath"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/cache"
	"github.com/kraklabs/scint/plan"
	"github.com/kraklabs/scint/runtimeconfig"
)

// Purge backs --force: remove every cache and prefix artifact for the
// resolved set before any install job runs, plus the prefix's bin/
// directory and runtime-lock file.
func Purge(resolved []scint.ResolvedSpec, prefix plan.Prefix, root cache.Root, abi, arch, api string) error {
	for _, spec := range resolved {
		if err := purgeOne(spec, prefix, root, abi, arch, api); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(prefix.BinDir()); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(prefix.Dir, runtimeconfig.FileName))
}

func purgeOne(spec scint.ResolvedSpec, prefix plan.Prefix, root cache.Root, abi, arch, api string) error {
	inbound, err := root.InboundPath(abi, spec)
	if err != nil {
		return err
	}
	assembling, err := root.AssemblingPath(abi, spec)
	if err != nil {
		return err
	}
	cachedDir, err := root.CachedPath(abi, spec)
	if err != nil {
		return err
	}
	cachedSpec, err := root.CachedSpecPath(abi, spec)
	if err != nil {
		return err
	}
	cachedManifest, err := root.CachedManifestPath(abi, spec)
	if err != nil {
		return err
	}
	extDir, err := root.ExtPath(arch, api, spec)
	if err != nil {
		return err
	}

	paths := []string{
		inbound,
		assembling,
		cachedDir,
		cachedSpec,
		cachedSpec + ".revision",
		cachedManifest,
		extDir,
	}
	if prefix.Dir != "" {
		paths = append(paths,
			prefix.InstalledGemDir(spec),
			prefix.InstalledSpecPath(spec),
			filepath.Join(prefix.ExtensionsDir(), arch, api, spec.FullName()),
		)
	}
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}
