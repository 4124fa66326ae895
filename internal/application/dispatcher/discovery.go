package dispatcher

import (
	"context"
	"fmt"
)

// Resource is one entry in the account-discovery answer: something a
// delivery will read or write, in the exact order it is touched.
type Resource struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	Writable bool   `json:"writable"`
}

// Discover returns the ordered resource list a delivery for the given
// origin would touch. The first three entries are fixed: the writable
// controller state, the read-only peer record, and the read-only
// type-registry record; endpoint/clear resources follow.
func (s *Service) Discover(ctx context.Context, originID uint32, sender string) []Resource {
	return []Resource{
		{Name: "controller_state", Key: "controller", Writable: true},
		{Name: "peer", Key: fmt.Sprintf("peer/%d", originID), Writable: false},
		{Name: "type_registry", Key: "type_registry", Writable: false},
		{Name: "endpoint_clear", Key: fmt.Sprintf("endpoint/%d/%s", originID, sender), Writable: false},
	}
}
