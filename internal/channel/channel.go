package channel

import (
	"sync"
)

// Merge fans in the given channels into a single channel. The output channel
// is closed when all input channels have been closed.
func Merge[T any](chs ...<-chan T) <-chan T {
	out := make(chan T)
	wg := sync.WaitGroup{}
	wg.Add(len(chs))
	for _, ch := range chs {
		go func(c <-chan T) {
			defer wg.Done()
			for v := range c {
				out <- v
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
