package downloadpool

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/internal/resolver"
)

// the compact index protocol line format is documented in the GLOSSARY as
// "an incremental registry protocol exposing per-gem spec listings"; one
// line per version, requirements carrying no internal whitespace:
//
//	2.2.8 |checksum:deadbeef
//	2.2.8 rack-perftools_profiler:>=0.0.1,net-http-persistent:>=0.0.1|checksum:deadbeef

// IndexClient queries one registry's compact index endpoint for a gem's
// available versions and dependencies, implementing resolver.IndexClient.
type IndexClient struct {
	BaseURL string
	Fetcher *Pool

	mu   sync.Mutex
	memo map[string][]resolver.IndexEntry
}

var _ resolver.IndexClient = (*IndexClient)(nil)

// Versions fetches and parses "<BaseURL>/info/<name>". Listings are
// memoized per client, so the prefetch pass that runs before resolution
// pays the network cost and the resolver's queries hit the memo.
func (c *IndexClient) Versions(ctx context.Context, name string) ([]resolver.IndexEntry, error) {
	c.mu.Lock()
	if cached, ok := c.memo[name]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	entries, err := c.fetchVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.memo == nil {
		c.memo = make(map[string][]resolver.IndexEntry)
	}
	c.memo[name] = entries
	c.mu.Unlock()
	return entries, nil
}

func (c *IndexClient) fetchVersions(ctx context.Context, name string) ([]resolver.IndexEntry, error) {
	url := strings.TrimRight(c.BaseURL, "/") + "/info/" + name
	body, err := c.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, scint.NewError(scint.ErrResolve, fmt.Sprintf("fetching index for %s", name), err)
	}
	defer body.Close()

	var out []resolver.IndexEntry
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "---") {
			continue
		}
		entry, ok := parseIndexLine(line)
		if !ok {
			continue
		}
		out = append(out, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, scint.NewError(scint.ErrResolve, fmt.Sprintf("reading index for %s", name), err)
	}
	return out, nil
}

// parseIndexLine parses one compact-index version line:
//
//	version[-platform] dep1:req1,dep2:req2|checksum:xxx,ruby:>=2.5
func parseIndexLine(line string) (resolver.IndexEntry, bool) {
	versionField, rest, hasRest := strings.Cut(line, " ")
	if versionField == "" {
		return resolver.IndexEntry{}, false
	}
	version, platform := versionField, ""
	if idx := strings.IndexByte(versionField, '-'); idx != -1 {
		version, platform = versionField[:idx], versionField[idx+1:]
	}

	entry := resolver.IndexEntry{Version: version, Platform: platform}
	if !hasRest {
		return entry, true
	}

	depsField, metaField, _ := strings.Cut(rest, "|")
	for _, dep := range strings.Split(depsField, ",") {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		name, req, ok := strings.Cut(dep, ":")
		if !ok {
			continue
		}
		entry.Dependencies = append(entry.Dependencies, scint.SpecDependency{
			Name: name,
			Reqs: []string{req},
		})
	}

	for _, kv := range strings.Split(metaField, ",") {
		key, val, ok := strings.Cut(kv, ":")
		if !ok {
			continue
		}
		if key == "checksum" {
			entry.Checksum = val
		}
	}

	return entry, true
}
