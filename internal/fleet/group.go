package fleet

import (
	"github.com/google/uuid"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// GroupStatus is the administrative status of a replication group. Only
// ACTIVE groups are monitored by the failure detector.
type GroupStatus string

const (
	GroupActive   GroupStatus = "ACTIVE"
	GroupInactive GroupStatus = "INACTIVE"
)

// Group is a named set of servers, at most one of which is the primary.
type Group struct {
	ID          string
	Description string
	MasterUUID  uuid.UUID // uuid.Nil when the group has no primary
	Status      GroupStatus
}

// HasMaster reports whether the group currently has a primary.
func (g *Group) HasMaster() bool {
	return g.MasterUUID != uuid.Nil
}

// ValidateGroupID rejects empty or oversized group identifiers.
func ValidateGroupID(id string) error {
	if id == "" {
		return werrors.Group("group id must not be empty")
	}
	if len(id) > 64 {
		return werrors.Group("group id (%s) exceeds 64 characters", id)
	}
	return nil
}
