package orchestrate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kraklabs/scint"
	"github.com/kraklabs/scint/acquire"
	"github.com/kraklabs/scint/cache"
	"github.com/kraklabs/scint/schedule"
)

type recordingLinker struct {
	mu     sync.Mutex
	linked []string
}

func (l *recordingLinker) Link(ctx context.Context, spec scint.ResolvedSpec, sourceDir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linked = append(l.linked, spec.Name)
	return nil
}

type recordingBinstubber struct {
	mu    sync.Mutex
	stubs []string
}

func (b *recordingBinstubber) WriteBinstubs(ctx context.Context, spec scint.ResolvedSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stubs = append(b.stubs, spec.Name)
	return nil
}

type alwaysNeedsBuild struct{}

func (alwaysNeedsBuild) NeedsBuild(spec scint.ResolvedSpec, extractedDir string) bool { return true }
func (alwaysNeedsBuild) Build(ctx context.Context, spec scint.ResolvedSpec, extractedDir string) error {
	return nil
}

type neverNeedsBuild struct{}

func (neverNeedsBuild) NeedsBuild(spec scint.ResolvedSpec, extractedDir string) bool { return false }
func (neverNeedsBuild) Build(ctx context.Context, spec scint.ResolvedSpec, extractedDir string) error {
	return nil
}

func TestBuildLinkActionEnqueuesLinkAndBinstub(t *testing.T) {
	root := cache.Root{Dir: t.TempDir()}
	promoter := cache.NewPromoter(root)
	linker := &recordingLinker{}
	binstub := &recordingBinstubber{}
	o := &Orchestrator{
		Acquirers:  acquire.NewRegistry(root, promoter, nil),
		Linker:     linker,
		ExtBuilder: neverNeedsBuild{},
		Binstub:    binstub,
	}

	spec := scint.ResolvedSpec{Name: "rack", Version: "2.2.8", Platform: "ruby"}
	s := schedule.New(2, schedule.DefaultLimits(2, 0), false, nil)
	s.Start(context.Background())
	defer s.Shutdown()

	result, err := o.Build(s, []scint.PlanEntry{{Spec: spec, Action: scint.ActionLink, CachedPath: "/cache/rack-2.2.8"}})
	if err != nil {
		t.Fatal(err)
	}

	s.WaitAll()

	if got := result.BuildExtJobs(); got != 0 {
		t.Fatalf("BuildExtJobs() = %d, want 0", got)
	}

	linker.mu.Lock()
	defer linker.mu.Unlock()
	if len(linker.linked) != 1 || linker.linked[0] != "rack" {
		t.Fatalf("linked = %v, want [rack]", linker.linked)
	}
	binstub.mu.Lock()
	defer binstub.mu.Unlock()
	if len(binstub.stubs) != 1 || binstub.stubs[0] != "rack" {
		t.Fatalf("stubs = %v, want [rack]", binstub.stubs)
	}
}

func TestBuildBuildExtActionChainsAfterLink(t *testing.T) {
	root := cache.Root{Dir: t.TempDir()}
	promoter := cache.NewPromoter(root)
	linker := &recordingLinker{}
	binstub := &recordingBinstubber{}
	o := &Orchestrator{
		Acquirers:  acquire.NewRegistry(root, promoter, nil),
		Linker:     linker,
		ExtBuilder: alwaysNeedsBuild{},
		Binstub:    binstub,
	}

	spec := scint.ResolvedSpec{Name: "nokogiri", Version: "1.16.0", Platform: "ruby", HasExtensions: true}
	s := schedule.New(2, schedule.DefaultLimits(2, 0), false, nil)
	s.Start(context.Background())
	defer s.Shutdown()

	result, err := o.Build(s, []scint.PlanEntry{{Spec: spec, Action: scint.ActionBuildExt, CachedPath: "/cache/nokogiri-1.16.0"}})
	if err != nil {
		t.Fatal(err)
	}

	s.WaitAll()
	time.Sleep(10 * time.Millisecond)

	if got := result.BuildExtJobs(); got != 1 {
		t.Fatalf("BuildExtJobs() = %d, want 1", got)
	}

	binstub.mu.Lock()
	defer binstub.mu.Unlock()
	if len(binstub.stubs) != 1 {
		t.Fatalf("stubs = %v, want exactly one binstub job", binstub.stubs)
	}
}

func TestBuildSkipActionEnqueuesNothing(t *testing.T) {
	root := cache.Root{Dir: t.TempDir()}
	promoter := cache.NewPromoter(root)
	o := &Orchestrator{
		Acquirers: acquire.NewRegistry(root, promoter, nil),
		Linker:    &recordingLinker{},
		Binstub:   &recordingBinstubber{},
	}

	spec := scint.ResolvedSpec{Name: "rack", Version: "2.2.8", Platform: "ruby"}
	s := schedule.New(2, schedule.DefaultLimits(2, 0), false, nil)
	s.Start(context.Background())
	defer s.Shutdown()

	if _, err := o.Build(s, []scint.PlanEntry{{Spec: spec, Action: scint.ActionSkip}}); err != nil {
		t.Fatal(err)
	}
	s.WaitAll()

	stats := s.Stats()
	if stats.Done+stats.Failed+stats.Running+stats.Queued != 0 {
		t.Fatalf("Stats() = %+v, want no jobs enqueued for skip", stats)
	}
}
