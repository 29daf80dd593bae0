package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/kraklabs/scint/internal/checkupstream"
	"github.com/kraklabs/scint/lockreconcile"
)

const outdatedHelp = `List git-sourced dependencies whose GitHub remote has
a tag newer than the locked revision.
`

func cmdoutdated(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("outdated", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, outdatedHelp)
		fset.PrintDefaults()
	}
	var (
		gemfile = fset.String("gemfile", "Gemfile", "manifest whose lockfile to inspect")
		token   = fset.String("github_access_token", "", "OAuth token for github.com API requests (optional; unauthenticated requests are rate-limited)")
	)
	fset.Parse(args)

	lock, err := readLock(*gemfile + ".lock")
	if err != nil {
		return err
	}
	if lock == nil {
		return xerrors.Errorf("no lockfile at %s.lock; run scint install first", *gemfile)
	}
	specs, err := lockreconcile.Project(ctx, lock, localPlatform(), nil)
	if err != nil {
		return err
	}

	client := checkupstream.NewClient(ctx, *token)
	outdated, err := client.Check(ctx, specs)
	if err != nil {
		return err
	}
	if len(outdated) == 0 {
		fmt.Println("all git-sourced dependencies are up to date")
		return nil
	}
	for _, o := range outdated {
		fmt.Printf("%s: %s available (locked at %s)\n", o.Name, o.LatestTag, shortRev(o.CurrentRevision))
	}
	return nil
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	if rev == "" {
		return "(none)"
	}
	return rev
}
