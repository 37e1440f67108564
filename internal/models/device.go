package models

import "time"

// Device is a client installation. Its ID is stable across sessions.
type Device struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Avatar      string    `json:"avatar,omitempty"`
	IsOnline    bool      `json:"isOnline"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Presence is the online state of a device at a point in time, with the
// profile it last announced.
type Presence struct {
	DeviceID    string    `json:"deviceId"`
	Online      bool      `json:"isOnline"`
	LastSeen    time.Time `json:"lastSeen"`
	DisplayName string    `json:"displayName,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
}
