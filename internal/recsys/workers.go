package recsys

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/he"
)

// parallel runs fn for every entry in [0, n) on a pool of goroutines. Each
// goroutine owns a shallow copy of the engine, since engines are not safe for
// concurrent use. The first error stops the remaining entries from running.
func (d *Driver) parallel(n int, fn func(e he.Engine, i int) error) error {
	workers := d.cfg.Workers
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(d.engine, i); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}
		return nil
	}

	tasks := make(chan int)
	wg := &sync.WaitGroup{}
	wg.Add(workers)

	var (
		failed   atomic.Bool
		once     sync.Once
		firstErr error
	)
	for w := 0; w < workers; w++ {
		go func(e he.Engine) {
			defer wg.Done()
			for i := range tasks {
				if failed.Load() {
					continue
				}
				if err := fn(e, i); err != nil {
					once.Do(func() { firstErr = fmt.Errorf("entry %d: %w", i, err) })
					failed.Store(true)
				}
			}
		}(d.engine.ShallowCopy())
	}

	for i := 0; i < n && !failed.Load(); i++ {
		tasks <- i
	}
	close(tasks)
	wg.Wait()
	return firstErr
}
