package realtime

import (
	"context"
	"sync"
)

// CombinedSource watches a table on every source and feeds all of them into
// the same emit. Pair a push source with a slow PollSource so rows committed
// while the push feed is down still arrive; the Manager's dedup window drops
// the copies both feeds report.
type CombinedSource struct {
	sources []Source
}

func Combine(sources ...Source) *CombinedSource {
	return &CombinedSource{sources: sources}
}

func (c *CombinedSource) Watch(ctx context.Context, table string, emit Emit) (func(), error) {
	stops := make([]func(), 0, len(c.sources))
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
	for _, src := range c.sources {
		stop, err := src.Watch(ctx, table, emit)
		if err != nil {
			stopAll()
			return nil, err
		}
		stops = append(stops, stop)
	}

	var once sync.Once
	return func() { once.Do(stopAll) }, nil
}
