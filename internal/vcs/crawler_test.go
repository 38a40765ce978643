package vcs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/quashbugs/magnus/models"
)

// treeLister serves a synthetic directory tree keyed by path.
type treeLister struct {
	mu    sync.Mutex
	dirs  map[string]dirListing
	calls map[string]int
}

type dirListing struct {
	files []models.RepoFile
	dirs  []string
	next  string // next-page cursor, listed as its own entry in dirs map
}

func (l *treeLister) list(ctx context.Context, item string) ([]models.RepoFile, []string, error) {
	l.mu.Lock()
	l.calls[item]++
	d, ok := l.dirs[item]
	l.mu.Unlock()
	if !ok {
		return nil, nil, errors.New("unknown frontier item " + item)
	}
	next := append([]string(nil), d.dirs...)
	if d.next != "" {
		next = append(next, d.next)
	}
	return d.files, next, nil
}

func threeLevelTree() *treeLister {
	f := func(path string) models.RepoFile {
		return models.RepoFile{Name: path, Path: path, Type: models.FileTypeFile}
	}
	return &treeLister{
		calls: map[string]int{},
		dirs: map[string]dirListing{
			"": {files: []models.RepoFile{f("README.md"), f("go.mod")}, dirs: []string{"src", "docs"}},
			"src":        {files: []models.RepoFile{f("src/main.go")}, dirs: []string{"src/util"}},
			"src/util":   {files: []models.RepoFile{f("src/util/a.go"), f("src/util/b.go")}},
			"docs":       {files: []models.RepoFile{f("docs/index.md")}, next: "docs?page=2"},
			"docs?page=2": {files: []models.RepoFile{f("docs/api.md")}},
		},
	}
}

func TestCrawlCollectsAllFilesRegardlessOfPoolSize(t *testing.T) {
	want := []string{
		"README.md", "docs/api.md", "docs/index.md", "go.mod",
		"src/main.go", "src/util/a.go", "src/util/b.go",
	}

	for _, workers := range []int{1, 10} {
		lister := threeLevelTree()
		files, err := Crawl(context.Background(), []string{""}, workers, lister.list)
		if err != nil {
			t.Fatalf("workers=%d: crawl: %v", workers, err)
		}
		got := make([]string, 0, len(files))
		for _, f := range files {
			if f.Type != models.FileTypeFile {
				t.Fatalf("workers=%d: crawl returned a non-file entry %+v", workers, f)
			}
			got = append(got, f.Path)
		}
		sort.Strings(got)
		if len(got) != len(want) {
			t.Fatalf("workers=%d: expected %d files, got %v", workers, len(want), got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("workers=%d: expected %v, got %v", workers, want, got)
			}
		}
	}
}

func TestCrawlDrainsPaginationExactlyOnce(t *testing.T) {
	lister := threeLevelTree()
	if _, err := Crawl(context.Background(), []string{""}, 10, lister.list); err != nil {
		t.Fatalf("crawl: %v", err)
	}
	for item, n := range lister.calls {
		if n != 1 {
			t.Fatalf("frontier item %q listed %d times", item, n)
		}
	}
	if lister.calls["docs?page=2"] != 1 {
		t.Fatal("next-page cursor was never drained")
	}
}

func TestCrawlAbortsOnItemError(t *testing.T) {
	lister := threeLevelTree()
	delete(lister.dirs, "src/util")

	if _, err := Crawl(context.Background(), []string{""}, 10, lister.list); err == nil {
		t.Fatal("expected crawl to abort on listing failure")
	}
}

func TestCrawlBoundsConcurrency(t *testing.T) {
	const workers = 3
	var inFlight, peak atomic.Int64

	// A wide single-level tree: one root with 30 sub-directories.
	list := func(ctx context.Context, item string) ([]models.RepoFile, []string, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		if item == "" {
			next := make([]string, 30)
			for i := range next {
				next[i] = "dir"
			}
			return nil, next, nil
		}
		return []models.RepoFile{{Name: "f", Path: item + "/f", Type: models.FileTypeFile}}, nil, nil
	}

	if _, err := Crawl(context.Background(), []string{""}, workers, list); err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if p := peak.Load(); p > workers {
		t.Fatalf("concurrency ceiling exceeded: peak %d > %d workers", p, workers)
	}
}
