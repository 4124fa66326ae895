package collection

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Provisioning a large collection accepts a narrower window than the
// general tree bounds: trees this size are expensive to rebuild, so the
// plan refuses configurations that would not survive growth.
const (
	MinPlanDepth      uint32 = 20
	MaxPlanDepth      uint32 = 24
	MinPlanBufferSize uint32 = 64
	MaxPlanBufferSize uint32 = 512
	MinPlanBatchSize  uint32 = 100
	MaxPlanBatchSize  uint32 = 2000
)

var (
	ErrInvalidPlanDepth  = errors.New("plan tree depth out of range")
	ErrInvalidPlanBuffer = errors.New("plan buffer size out of range")
	ErrInvalidPlanBatch  = errors.New("plan batch size out of range")
)

// Plan is a validated provisioning request for a large collection.
type Plan struct {
	Config       TreeConfig `json:"config"`
	InitialTheme string     `json:"initialTheme"`
}

// NewPlan validates the requested sizing and derives the chunk size,
// one tenth of a batch, keeping each chunk inside one call budget.
func NewPlan(maxDepth, maxBufferSize, batchSize uint32, initialTheme string) (*Plan, error) {
	if maxDepth < MinPlanDepth || maxDepth > MaxPlanDepth {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidPlanDepth, maxDepth, MinPlanDepth, MaxPlanDepth)
	}
	if maxBufferSize < MinPlanBufferSize || maxBufferSize > MaxPlanBufferSize {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidPlanBuffer, maxBufferSize, MinPlanBufferSize, MaxPlanBufferSize)
	}
	if batchSize < MinPlanBatchSize || batchSize > MaxPlanBatchSize {
		return nil, fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidPlanBatch, batchSize, MinPlanBatchSize, MaxPlanBatchSize)
	}
	return &Plan{
		Config: TreeConfig{
			MaxDepth:      maxDepth,
			MaxBufferSize: maxBufferSize,
			BatchSize:     batchSize,
			ChunkSize:     batchSize / 10,
		},
		InitialTheme: initialTheme,
	}, nil
}

// Capacity is the item limit the planned tree will support.
func (p *Plan) Capacity() uint64 {
	return 1 << p.Config.MaxDepth
}

// BuildInitialTheme stamps the provisioning facts onto the collection's
// first theme so they survive in item metadata.
func (p *Plan) BuildInitialTheme(metadataBase string) Theme {
	theme := NewTheme(p.InitialTheme, fmt.Sprintf("%s/%s", metadataBase, strings.ToLower(p.InitialTheme)))
	theme.Attributes = []Attribute{
		{Key: "Theme", Value: p.InitialTheme},
		{Key: "Collection Type", Value: "Massive Scale"},
		{Key: "Max Capacity", Value: strconv.FormatUint(p.Capacity(), 10)},
	}
	return theme
}

// OptimalConfig picks tree sizing for an expected item count. The
// depth steps up at the powers of two the tree supports; buffer and
// batch sizes scale with expected churn.
func OptimalConfig(targetCapacity uint64) TreeConfig {
	var maxDepth uint32
	switch {
	case targetCapacity <= 65_536:
		maxDepth = 16
	case targetCapacity <= 262_144:
		maxDepth = 18
	case targetCapacity <= 1_048_576:
		maxDepth = 20
	case targetCapacity <= 4_194_304:
		maxDepth = 22
	default:
		maxDepth = 24
	}

	var maxBufferSize uint32
	switch {
	case targetCapacity <= 100_000:
		maxBufferSize = 64
	case targetCapacity <= 500_000:
		maxBufferSize = 128
	case targetCapacity <= 1_000_000:
		maxBufferSize = 256
	default:
		maxBufferSize = 512
	}

	var batchSize uint32
	switch {
	case targetCapacity <= 10_000:
		batchSize = 100
	case targetCapacity <= 100_000:
		batchSize = 500
	case targetCapacity <= 1_000_000:
		batchSize = 1000
	default:
		batchSize = 2000
	}

	return TreeConfig{
		MaxDepth:      maxDepth,
		MaxBufferSize: maxBufferSize,
		BatchSize:     batchSize,
		ChunkSize:     batchSize / 10,
	}
}
