package pkg

import (
	"time"
)

// Provider identifiers. The GPS provider is the high-precision source,
// the network provider the coarse one. Arbitrary source ids are allowed.
const (
	ProviderGPS     = "gps"
	ProviderNetwork = "network"
)

// Fix represents a single raw location reading from a provider.
// Optional measurements are nil when the provider did not report them.
type Fix struct {
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Provider  string    `json:"provider"`
}

// HasAccuracy reports whether the fix carries a reported accuracy value.
func (f *Fix) HasAccuracy() bool {
	return f.Accuracy != nil
}

// Position is a persisted, accepted fix. ID is assigned by the store and
// insertion order is the primary ordering key. Once Synced is set the
// record is immutable except for deletion on track reset.
type Position struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Provider  string    `json:"provider"`
	Comment   string    `json:"comment,omitempty"`
	ImageRef  string    `json:"image_ref,omitempty"`
	Synced    bool      `json:"synced"`
}

// FromFix builds an unsynced Position from an accepted fix.
func FromFix(f Fix) Position {
	return Position{
		Time:      f.Time,
		Latitude:  f.Latitude,
		Longitude: f.Longitude,
		Altitude:  f.Altitude,
		Speed:     f.Speed,
		Bearing:   f.Bearing,
		Accuracy:  f.Accuracy,
		Provider:  f.Provider,
	}
}

// Track is one logical recording session. RemoteID is zero until the
// track has been registered with the server. LastError holds the most
// recent sync failure message and is cleared on success.
type Track struct {
	RemoteID  int64  `json:"remote_id,omitempty"`
	Name      string `json:"name"`
	LastError string `json:"last_error,omitempty"`
}

// EventType identifies an entry on the observable status stream.
type EventType string

const (
	EventTrackingStarted  EventType = "tracking_started"
	EventTrackingStopped  EventType = "tracking_stopped"
	EventFixAccepted      EventType = "fix_accepted"
	EventProviderEnabled  EventType = "provider_enabled"
	EventProviderDisabled EventType = "provider_disabled"
	EventSyncDone         EventType = "sync_done"
	EventSyncFailed       EventType = "sync_failed"
	EventPermissionDenied EventType = "permission_denied"
	EventNoProvider       EventType = "no_provider"
)

// Event is a single status stream entry delivered to external observers.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider,omitempty"`
	Message   string    `json:"message,omitempty"`
}
