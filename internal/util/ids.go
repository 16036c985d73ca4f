package util

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
)

var (
	node     *snowflake.Node
	nodeErr  error
	nodeOnce sync.Once

	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// InitNode sets the snowflake node id used for dispatch record ids.
// Only the first call has an effect.
func InitNode(nodeID int64) error {
	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(nodeID)
	})
	return nodeErr
}

// NewRecordID returns a time-ordered int64 id unique across relay instances.
func NewRecordID() int64 {
	if node == nil {
		_ = InitNode(1)
	}
	return node.Generate().Int64()
}

// NewSegmentName returns a lexically sortable journal segment file name.
func NewSegmentName(t time.Time) string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(t.UTC()), entropy)
	entropyMu.Unlock()
	// monotonic within a millisecond, so listing order is write order
	return "journal-" + id.String() + ".jsonl"
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
