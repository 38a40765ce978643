package vcs

import (
	"context"
	"sync"

	"github.com/quashbugs/magnus/models"
)

// defaultCrawlWorkers caps concurrent listing calls per crawl.
const defaultCrawlWorkers = 10

// Lister issues one paginated directory-listing call for a frontier item
// (a directory path or a next-page cursor). It returns the files found plus
// any new frontier items: sub-directories and next-page cursors.
type Lister func(ctx context.Context, item string) (files []models.RepoFile, next []string, err error)

// Crawl drains a frontier of listing calls with a bounded worker batch per
// round: take up to workers items, list them concurrently, barrier, then
// fold results back into the frontier. The in-flight request count never
// exceeds workers. Any item error aborts the whole crawl.
func Crawl(ctx context.Context, seeds []string, workers int, list Lister) ([]models.RepoFile, error) {
	if workers <= 0 {
		workers = defaultCrawlWorkers
	}

	type itemResult struct {
		files []models.RepoFile
		next  []string
		err   error
	}

	frontier := append([]string(nil), seeds...)
	var out []models.RepoFile

	for len(frontier) > 0 {
		batch := frontier
		if len(batch) > workers {
			batch = batch[:workers]
		}
		frontier = frontier[len(batch):]

		results := make([]itemResult, len(batch))
		var wg sync.WaitGroup
		for i, item := range batch {
			wg.Add(1)
			go func(i int, item string) {
				defer wg.Done()
				files, next, err := list(ctx, item)
				results[i] = itemResult{files: files, next: next, err: err}
			}(i, item)
		}
		wg.Wait()

		for _, res := range results {
			if res.err != nil {
				return nil, res.err
			}
			out = append(out, res.files...)
			frontier = append(frontier, res.next...)
		}
	}
	return out, nil
}
