package scint

import (
	"path/filepath"
	"strings"
)

// normalizeRemoteKey builds a source dedup key: lowercase host, strip
// scheme, strip ".git" suffix, strip trailing slash.
func normalizeRemoteKey(uri string) string {
	k := uri
	for _, scheme := range []string{"https://", "http://", "git://", "ssh://", "git@"} {
		if strings.HasPrefix(k, scheme) {
			k = strings.TrimPrefix(k, scheme)
			break
		}
	}
	k = strings.TrimSuffix(k, "/")
	k = strings.TrimSuffix(k, ".git")
	// split off the path to lowercase only the host portion.
	if idx := strings.IndexAny(k, "/:"); idx > 0 {
		host := strings.ToLower(k[:idx])
		k = host + k[idx:]
	} else {
		k = strings.ToLower(k)
	}
	return k
}

// cleanAbsPath normalizes a local source path for dedup purposes.
func cleanAbsPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// FullName is the canonical cache/prefix key:
// full-name = name-version[-platform], platform omitted iff platform is "ruby".
func FullName(name, version, platform string) string {
	if platform == "" || platform == "ruby" {
		return name + "-" + version
	}
	return name + "-" + version + "-" + platform
}
