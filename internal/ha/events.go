package ha

import (
	"github.com/orcharddb/warden/internal/detector"
	"github.com/orcharddb/warden/internal/events"
)

// Events the administrative commands and the failure detector trigger.
// Each fans out to exactly one handler procedure today; the registry keeps
// the list open for listeners added at startup.
var (
	EventGroupCreate     = events.New("GROUP_CREATE")
	EventGroupDestroy    = events.New("GROUP_DESTROY")
	EventNewServerAdd    = events.New("NEW_SERVER_ADD")
	EventServerRemove    = events.New("SERVER_REMOVE")
	EventGroupPromote    = events.New("GROUP_PROMOTE")
	EventGroupDemote     = events.New("GROUP_DEMOTE")
	EventGroupActivate   = events.New("GROUP_ACTIVATE")
	EventGroupDeactivate = events.New("GROUP_DEACTIVATE")
	EventServerLost      = events.New(detector.EventServerLost)
	EventFailOver        = events.New(detector.EventFailOver)
)

// RegisterEvents wires every event to its handler procedure.
func RegisterEvents(reg *events.Registry) {
	reg.Register(EventGroupCreate, events.Handler{
		Action: ActionGroupCreate, Description: "Creating a group."})
	reg.Register(EventGroupDestroy, events.Handler{
		Action: ActionGroupDestroy, Description: "Destroying a group."})
	reg.Register(EventNewServerAdd, events.Handler{
		Action: ActionServerAdd, Description: "Adding a server to a group."})
	reg.Register(EventServerRemove, events.Handler{
		Action: ActionServerRemove, Description: "Removing a server from a group."})
	reg.Register(EventGroupPromote, events.Handler{
		Action: ActionGroupPromote, Description: "Promoting a primary."})
	reg.Register(EventGroupDemote, events.Handler{
		Action: ActionGroupDemote, Description: "Demoting a primary."})
	reg.Register(EventGroupActivate, events.Handler{
		Action: ActionGroupActivate, Description: "Activating a group."})
	reg.Register(EventGroupDeactivate, events.Handler{
		Action: ActionGroupDeactivate, Description: "Deactivating a group."})
	reg.Register(EventServerLost, events.Handler{
		Action: ActionServerLost, Description: "Handling a lost server."})
	reg.Register(EventFailOver, events.Handler{
		Action: ActionFailOver, Description: "Failing over a lost primary."})
}
