package models

import (
	"math"
	"strings"
	"time"
)

// UnspecifiedDestination is stored when a user goes online without a destination.
const UnspecifiedDestination = "Not specified"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c is inside WGS84 ranges.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Role string

const (
	RoleDriver    Role = "DRIVER"
	RolePassenger Role = "PASSENGER"
)

func (r Role) Valid() bool { return r == RoleDriver || r == RolePassenger }

// Opposite returns the role a viewer of role r is looking for.
func (r Role) Opposite() Role {
	if r == RoleDriver {
		return RolePassenger
	}
	return RoleDriver
}

type VehicleType string

const (
	VehicleCar  VehicleType = "CAR"
	VehicleMoto VehicleType = "MOTO"
	VehicleNone VehicleType = "NONE"
)

// VehicleFor is the vehicle type assigned when a user goes online.
func VehicleFor(r Role) VehicleType {
	if r == RoleDriver {
		return VehicleCar
	}
	return VehicleNone
}

// PresenceRecord is one user's advertised live session in the shared table.
type PresenceRecord struct {
	ID            string      `json:"id"`
	Role          Role        `json:"role"`
	VehicleType   VehicleType `json:"vehicle_type"`
	Location      Coord       `json:"location"`
	Destination   string      `json:"destination"`
	ContactHandle string      `json:"telegram_username"`
	CreatedAt     int64       `json:"created_at"` // epoch ms
	LastSeen      int64       `json:"last_seen"`  // epoch ms
}

// MatchedCandidate is a presence record ranked against the current viewer.
type MatchedCandidate struct {
	PresenceRecord
	DistanceKm     float64 `json:"distance_km"`
	Rank           int     `json:"rank"`
	EstimatedPrice int     `json:"estimated_price"`
	ContactURL     string  `json:"contact_url"`
}

type EventType string

const (
	EventUpsert EventType = "UPSERT"
	EventDelete EventType = "DELETE"
)

// PresenceEvent is published after every successful table write.
type PresenceEvent struct {
	Type   EventType      `json:"type"`
	Record PresenceRecord `json:"record"`
	At     int64          `json:"at"`
}

// View is the snapshot a viewer UI renders.
type View struct {
	Online          bool               `json:"online"`
	Self            *PresenceRecord    `json:"self,omitempty"`
	Location        *Coord             `json:"location"`
	NextSyncSeconds int                `json:"next_sync_seconds"`
	LastSyncAt      int64              `json:"last_sync_at,omitempty"`
	Candidates      []MatchedCandidate `json:"candidates"`
}

// NormalizeContact strips surrounding space and one leading "@".
func NormalizeContact(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "@")
}

func NormalizeDestination(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return UnspecifiedDestination
	}
	return s
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }
