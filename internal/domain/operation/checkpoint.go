package operation

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is the signed progress proof emitted once per committed
// chunk. The sequence is 1-based and dense per operation; the signature
// covers the canonical bytes (see the audit service) so checkpoints can
// be verified without trusting the store.
type Checkpoint struct {
	ID             int64     `json:"id"`
	OperationID    string    `json:"operationId"`
	Seq            uint32    `json:"seq"`
	ChunkStart     uint64    `json:"chunkStart"`
	ChunkEnd       uint64    `json:"chunkEnd"` // exclusive
	ItemsProcessed uint64    `json:"itemsProcessed"`
	ItemsTotal     uint64    `json:"itemsTotal"`
	KeyID          string    `json:"keyId"`
	Signature      []byte    `json:"signature"`
	CreatedAt      time.Time `json:"createdAt"`
}

// checkpointNamespace scopes deterministic checkpoint event ids.
var checkpointNamespace = uuid.MustParse("8f0c2b9e-1f4a-4c53-9a87-6d1f0cf0d5b2")

// EventID derives a stable id for the checkpoint's broadcast event, so
// redelivered broadcasts dedupe on the consumer side.
func (c *Checkpoint) EventID() uuid.UUID {
	return uuid.NewSHA1(checkpointNamespace, []byte(c.OperationID+":"+strconv.FormatUint(uint64(c.Seq), 10)))
}
