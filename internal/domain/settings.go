// Package domain – persisted client state
//
// Setting is the single GORM-mapped model: a string key/value row used for
// the handful of values the client keeps across restarts (bearer token,
// onboarding-completed flag, per-request already-rated flags). There is no
// schema beyond string keys, matching the backend's contract.
package domain

import "time"

// Well-known setting keys.
const (
	SettingAuthToken  = "auth_token"
	SettingOnboarding = "onboarding_completed"
	// SettingRatedPrefix + requestID marks a completed request the user has
	// already rated, so the rating prompt fires at most once.
	SettingRatedPrefix = "rated_"
)

// Setting is one persisted key/value pair of client-side state.
type Setting struct {
	Key       string    `json:"key"   gorm:"type:varchar(128);primaryKey"`
	Value     string    `json:"value" gorm:"type:text;not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Setting.
func (Setting) TableName() string { return "settings" }
