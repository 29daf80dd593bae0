package cache

import (
	"os"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// PromoteResult reports whether this call performed the promotion or found
// the target already present.
type PromoteResult int

const (
	Promoted PromoteResult = iota
	AlreadyPresent
)

// Promoter guards promote() with a per-key in-process mutex and, because
// several scint processes may share one cache root, an advisory
// cross-process flock on the target's parent directory.
type Promoter struct {
	root Root

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

func NewPromoter(root Root) *Promoter {
	return &Promoter{root: root, keys: make(map[string]*sync.Mutex)}
}

func (p *Promoter) lockFor(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.keys[key]
	if !ok {
		m = &sync.Mutex{}
		p.keys[key] = m
	}
	return m
}

// Promote atomically renames staging into target under the named lock. If
// target already exists, the staging tree is removed and AlreadyPresent is
// returned (invariant 2). On any error, staging is deleted.
func (p *Promoter) Promote(lockKey, staging, target string) (PromoteResult, error) {
	m := p.lockFor(lockKey)
	m.Lock()
	defer m.Unlock()

	unlockFlock, err := p.flockParent(target)
	if err != nil {
		os.RemoveAll(staging)
		return 0, xerrors.Errorf("flock: %w", err)
	}
	defer unlockFlock()

	if Exists(target) {
		os.RemoveAll(staging)
		return AlreadyPresent, nil
	}

	if err := os.MkdirAll(parentDir(target), 0755); err != nil {
		os.RemoveAll(staging)
		return 0, xerrors.Errorf("mkdir parent: %w", err)
	}

	// Directory trees are promoted with a plain atomic rename;
	// renameio.TempFile covers the single-file .spec/.manifest siblings
	// (see WriteSidecar).
	if err := os.Rename(staging, target); err != nil {
		os.RemoveAll(staging)
		return 0, xerrors.Errorf("promote rename: %w", err)
	}
	return Promoted, nil
}

// flockParent takes an advisory exclusive flock on the parent directory of
// target, serializing promotions across processes sharing this cache root.
func (p *Promoter) flockParent(target string) (unlock func(), err error) {
	dir := parentDir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func parentDir(p string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return p[:i]
}
