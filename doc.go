// Package scint implements the core of a parallel package installer for a
// gem-style ecosystem: dependency-aware scheduling, multi-source
// acquisition, a content-addressed cache, an install planner and a
// lockfile reconciler. This package holds the data model shared by all of
// those components; the components themselves live in sibling packages
// (cache, acquire, plan, schedule, orchestrate, lockreconcile,
// runtimeconfig, progress).
package scint
