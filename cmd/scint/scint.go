// Binary scint is a parallel installer for gem-style packages: it
// resolves a manifest's dependency graph, fetches and extracts packages
// from registries, git repositories and local paths, links them into a
// per-project prefix and records the result in a lockfile.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"golang.org/x/xerrors"

	"github.com/kraklabs/scint"
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")

func main() {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"install":  {cmdinstall},
		"outdated": {cmdoutdated},
	}

	args := flag.Args()
	verb := "install"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		if len(args) != 1 {
			fmt.Fprintf(os.Stderr, "scint [-flags] <command> [-flags] <args>\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "To get help on any command, use scint <command> -help or scint help <command>.\n")
			fmt.Fprintln(os.Stderr)
			fmt.Fprintf(os.Stderr, "Commands:\n")
			fmt.Fprintf(os.Stderr, "\tinstall  - resolve and install the manifest's dependencies\n")
			fmt.Fprintf(os.Stderr, "\toutdated - list git-sourced dependencies with newer upstream tags\n")
			os.Exit(2)
		}
		verb = args[0]
		args = []string{"-help"}
	}

	ctx, stop := scint.SignalContext()
	defer stop()

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: scint <command> [options]\n")
		os.Exit(2)
	}
	if err := v.fn(ctx, args); err != nil {
		if *debug {
			log.Printf("%+v", err)
		} else {
			log.Printf("%v", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitCode maps a typed install error to its documented status code, and
// everything else to 1.
func exitCode(err error) int {
	var typed *scint.Error
	if xerrors.As(err, &typed) {
		return typed.ExitCode()
	}
	return 1
}

// localPlatform returns the gem platform token for the running host.
func localPlatform() string {
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "linux/amd64":
		return "x86_64-linux"
	case "linux/arm64":
		return "aarch64-linux"
	case "darwin/amd64":
		return "x86_64-darwin"
	case "darwin/arm64":
		return "arm64-darwin"
	default:
		return runtime.GOARCH + "-" + runtime.GOOS
	}
}
