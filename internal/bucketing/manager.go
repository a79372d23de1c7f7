package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// BucketingManager assigns client identifiers to stable partition buckets so
// the policy table and event sinks avoid hot partitions.
type BucketingManager struct {
	clientBuckets int
	eventBuckets  int
	hasherPool    sync.Pool
}

func NewBucketingManager(clientBuckets, eventBuckets int) *BucketingManager {
	bm := &BucketingManager{
		clientBuckets: clientBuckets,
		eventBuckets:  eventBuckets,
	}

	// Pool of hash functions to avoid per-call allocation
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// ClientBucket returns a consistent bucket for a client id (0 to clientBuckets-1).
func (bm *BucketingManager) ClientBucket(clientID string) int {
	return bm.getBucket(clientID, bm.clientBuckets)
}

// ClientBucketCount reports the number of client partitions, for full scans.
func (bm *BucketingManager) ClientBucketCount() int {
	return bm.clientBuckets
}

// EventBucket returns the partition bucket for a throttle event.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// TimeBucket returns the window-aligned time bucket for a given window size.
func (bm *BucketingManager) TimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC date partition for event tables.
func (bm *BucketingManager) DateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getBucket(identifier string, buckets int) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(identifier))
	return int(hasher.Sum64() % uint64(buckets))
}
