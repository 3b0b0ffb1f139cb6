// Package fleet defines the domain model for managed MySQL servers and
// replication groups, plus the connectivity primitives used to probe and
// reconfigure them.
package fleet

import (
	"strings"

	"github.com/google/uuid"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// Status is the administrative status of a managed server.
type Status string

const (
	StatusPrimary     Status = "PRIMARY"
	StatusSecondary   Status = "SECONDARY"
	StatusSpare       Status = "SPARE"
	StatusFaulty      Status = "FAULTY"
	StatusOffline     Status = "OFFLINE"
	StatusConfiguring Status = "CONFIGURING"
)

// Mode is the access mode of a managed server.
type Mode string

const (
	ModeOffline   Mode = "OFFLINE"
	ModeReadOnly  Mode = "READ_ONLY"
	ModeReadWrite Mode = "READ_WRITE"
)

// transitions is the fixed status transition matrix. A transition not listed
// here is rejected; in particular FAULTY leaves only through an explicit
// administrative command to SPARE, SECONDARY or OFFLINE, never to PRIMARY.
var transitions = map[Status][]Status{
	StatusConfiguring: {StatusSecondary, StatusSpare, StatusOffline, StatusFaulty},
	StatusSecondary:   {StatusPrimary, StatusSpare, StatusOffline, StatusFaulty},
	StatusPrimary:     {StatusSecondary, StatusSpare, StatusOffline, StatusFaulty},
	StatusSpare:       {StatusSecondary, StatusOffline, StatusFaulty},
	StatusFaulty:      {StatusSecondary, StatusSpare, StatusOffline},
	StatusOffline:     {StatusSpare, StatusSecondary},
}

// CanTransition reports whether status from may become to.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusPrimary, StatusSecondary, StatusSpare, StatusFaulty,
		StatusOffline, StatusConfiguring:
		return status, nil
	}
	return "", werrors.Server("unknown server status (%s)", raw)
}

// ParseMode validates a mode name.
func ParseMode(raw string) (Mode, error) {
	mode := Mode(strings.ToUpper(strings.TrimSpace(raw)))
	switch mode {
	case ModeOffline, ModeReadOnly, ModeReadWrite:
		return mode, nil
	}
	return "", werrors.Server("unknown server mode (%s)", raw)
}

// Monitorable reports whether the failure detector should probe a server
// with this status.
func (s Status) Monitorable() bool {
	switch s {
	case StatusPrimary, StatusSecondary, StatusSpare:
		return true
	}
	return false
}

// Server is a managed MySQL server.
type Server struct {
	UUID    uuid.UUID
	GroupID string
	Address string
	User    string
	Passwd  string
	Mode    Mode
	Status  Status
	Weight  float64
}

// Validate checks the fields an operator supplies when adding a server.
func (s *Server) Validate() error {
	if s.UUID == uuid.Nil {
		return werrors.Server("server uuid must not be nil")
	}
	if _, _, err := SplitHostPort(s.Address); err != nil {
		return err
	}
	if s.Weight < 0 {
		return werrors.Server("server weight must not be negative, got %v", s.Weight)
	}
	return nil
}
