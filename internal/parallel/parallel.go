package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// minChunk keeps tiny loops on the calling goroutine.
const minChunk = 64

var workers atomic.Int64

// SetWorkers caps the number of goroutines For fans out to. Values <= 0
// restore the GOMAXPROCS default.
func SetWorkers(n int) {
	workers.Store(int64(n))
}

// Workers reports the effective worker count.
func Workers() int {
	if n := int(workers.Load()); n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// For splits [0, n) into contiguous chunks and runs fn on each chunk
// concurrently, returning once all chunks are done.
func For(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	w := min(Workers(), (n+minChunk-1)/minChunk)
	if w <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + w - 1) / w
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
