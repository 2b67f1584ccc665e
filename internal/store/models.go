package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Platform is a social platform the core can operate on.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformYouTube   Platform = "youtube"
	PlatformReddit    Platform = "reddit"
	PlatformTwitter   Platform = "x_twitter"
)

// WarmablePlatforms are the platforms the scheduler assigns sessions for.
// The remaining platforms exist only as distribution targets.
var WarmablePlatforms = []Platform{PlatformTikTok, PlatformInstagram}

// DeviceStatus is the operational status of a physical device.
type DeviceStatus string

const (
	DeviceActive       DeviceStatus = "active"
	DeviceMaintenance  DeviceStatus = "maintenance"
	DeviceFailed       DeviceStatus = "failed"
	DeviceDisconnected DeviceStatus = "disconnected"
)

// JSONMap is a jsonb column holding free-form structured context.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	return json.Unmarshal(raw, m)
}

// Niche is a content vertical. Mutated only by external tooling; the core
// reads it for creation targeting.
type Niche struct {
	ID     uuid.UUID `db:"id"`
	Slug   string    `db:"slug"`
	Name   string    `db:"name"`
	Tier   string    `db:"tier"`
	Status string    `db:"status"`
}

// Device is one physical phone reachable through its automation endpoint.
type Device struct {
	ID             uuid.UUID    `db:"id"`
	Name           string       `db:"name"`
	UDID           string       `db:"udid"`
	AutomationPort int          `db:"automation_port"`
	Status         DeviceStatus `db:"status"`
	ConnectedSince *time.Time   `db:"connected_since"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

// Account is one managed identity on one platform. Credential fields hold
// codec tokens, never plaintext.
type Account struct {
	ID              uuid.UUID    `db:"id"`
	Platform        Platform     `db:"platform"`
	Username        string       `db:"username"`
	EmailEnc        string       `db:"email_enc"`
	PasswordEnc     string       `db:"password_enc"`
	TOTPSecretEnc   string       `db:"totp_secret_enc"`
	ProxyCreds      string       `db:"proxy_credentials"`
	NicheID         uuid.UUID    `db:"niche_id"`
	DeviceID        *uuid.UUID   `db:"device_id"`
	CurrentState    AccountState `db:"current_state"`
	WarmingDayCount int          `db:"warming_day_count"`
	Followers       int          `db:"followers"`
	Following       int          `db:"following"`
	Bio             string       `db:"bio"`
	LastActivityAt  *time.Time   `db:"last_activity_at"`
	LastWarmedAt    *time.Time   `db:"last_warmed_at"`
	LastPostAt      *time.Time   `db:"last_post_at"`
	DeletedAt       *time.Time   `db:"deleted_at"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`

	// Joined from niches during the claim.
	NicheSlug string `db:"niche_slug"`
}

// WarmingProgress is the append-only record of one warming cycle.
type WarmingProgress struct {
	ID           uuid.UUID  `db:"id"`
	AccountID    uuid.UUID  `db:"account_id"`
	DeviceID     uuid.UUID  `db:"device_id"`
	Platform     Platform   `db:"platform"`
	WarmingPhase int        `db:"warming_phase"`
	WarmingDay   int        `db:"warming_day"`
	SessionData  JSONMap    `db:"session_data"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

// SystemEvent is one append-only structured event row.
type SystemEvent struct {
	ID         int64      `db:"id"`
	Timestamp  time.Time  `db:"timestamp"`
	Category   string     `db:"category"`
	Severity   string     `db:"severity"`
	EventType  string     `db:"event_type"`
	DeviceID   *uuid.UUID `db:"device_id"`
	AccountID  *uuid.UUID `db:"account_id"`
	Message    string     `db:"message"`
	Context    JSONMap    `db:"context"`
	Resolved   bool       `db:"resolved"`
	ResolvedBy *string    `db:"resolved_by"`
	ResolvedAt *time.Time `db:"resolved_at"`
}
