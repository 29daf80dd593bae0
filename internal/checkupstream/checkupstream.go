// Package checkupstream powers the "scint outdated" verb's GitHub-backed
// check: for every git-sourced dependency pointed at a github.com remote,
// report the latest-named tag when its commit is not the locked revision.
package checkupstream

import (
	"context"
	"sort"
	"strings"

	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"

	"github.com/kraklabs/scint"
)

// Client checks GitHub for newer tags of git-sourced dependencies.
type Client struct {
	gh *github.Client
}

// NewClient builds a Client. An empty accessToken makes unauthenticated
// (rate-limited) requests.
func NewClient(ctx context.Context, accessToken string) *Client {
	var hc = oauth2.NewClient(ctx, nil)
	if accessToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
		hc = oauth2.NewClient(ctx, ts)
	}
	return &Client{gh: github.NewClient(hc)}
}

// Outdated is one dependency with a newer upstream tag available.
type Outdated struct {
	Name            string
	CurrentRevision string
	LatestTag       string
	LatestRevision  string
}

// Check reports, for each resolved spec whose source is a git remote on
// github.com, the tag with the greatest name among the first page of up
// to 30 tags whenever that tag's commit differs from the locked revision.
// Tags are compared by name string, not by version or commit date, so a
// locked revision that is ahead of that tag is also reported.
func (c *Client) Check(ctx context.Context, specs []scint.ResolvedSpec) ([]Outdated, error) {
	var out []Outdated
	for _, spec := range specs {
		if spec.Source.Kind != scint.SourceGit {
			continue
		}
		owner, repo, ok := githubOwnerRepo(spec.Source.GitURI)
		if !ok {
			continue
		}
		tags, _, err := c.gh.Repositories.ListTags(ctx, owner, repo, &github.ListOptions{PerPage: 30})
		if err != nil {
			return nil, xerrors.Errorf("listing tags for %s/%s: %w", owner, repo, err)
		}
		if len(tags) == 0 {
			continue
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i].GetName() > tags[j].GetName() })
		newest := tags[0]
		sha := newest.GetCommit().GetSHA()
		if sha == "" || sha == spec.Source.Revision {
			continue
		}
		out = append(out, Outdated{
			Name:            spec.Name,
			CurrentRevision: spec.Source.Revision,
			LatestTag:       newest.GetName(),
			LatestRevision:  sha,
		})
	}
	return out, nil
}

// githubOwnerRepo parses "owner/repo" out of a github.com remote URL.
func githubOwnerRepo(remote string) (owner, repo string, ok bool) {
	remote = strings.TrimSuffix(remote, ".git")
	for _, prefix := range []string{"https://github.com/", "git://github.com/", "git@github.com:"} {
		if strings.HasPrefix(remote, prefix) {
			parts := strings.SplitN(strings.TrimPrefix(remote, prefix), "/", 2)
			if len(parts) == 2 {
				return parts[0], parts[1], true
			}
		}
	}
	return "", "", false
}
