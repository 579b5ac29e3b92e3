package bridge

import (
	"strings"
	"sync"
)

// crossRefIndex buckets committed event DTUs on (domain, title,
// sourceEventType) and counts distinct reporting sources per bucket.
// Independent corroboration raises a DTU's epistemological stance.
type crossRefIndex struct {
	mu      sync.Mutex
	buckets map[string]map[string]struct{}
}

func newCrossRefIndex() *crossRefIndex {
	return &crossRefIndex{buckets: make(map[string]map[string]struct{})}
}

func bucketKey(domain, title, eventType string) string {
	return strings.ToLower(domain) + "\x00" + strings.ToLower(title) + "\x00" + eventType
}

// observe records source in the bucket and returns the distinct source
// count after the observation.
func (x *crossRefIndex) observe(domain, title, eventType, source string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := bucketKey(domain, title, eventType)
	set, ok := x.buckets[key]
	if !ok {
		set = make(map[string]struct{})
		x.buckets[key] = set
	}
	set[source] = struct{}{}
	return len(set)
}

// reset drops all buckets, called by the kernel alongside the dedup window
// purge so stale buckets do not corroborate across unrelated days.
func (x *crossRefIndex) reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.buckets = make(map[string]map[string]struct{})
}
