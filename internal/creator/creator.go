// Package creator runs the full on-device signup flow when a device has no
// warming work left: fresh install, platform signup with captcha, email and
// SMS verification, then the credential record.
package creator

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sovi-systems/devicecore/internal/auth/captcha"
	"github.com/sovi-systems/devicecore/internal/auth/emailverify"
	"github.com/sovi-systems/devicecore/internal/auth/smsverify"
	"github.com/sovi-systems/devicecore/internal/auth/totp"
	"github.com/sovi-systems/devicecore/internal/crypto"
	"github.com/sovi-systems/devicecore/internal/events"
	"github.com/sovi-systems/devicecore/internal/lock"
	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

// ErrSlotBusy means another worker holds the creation lock for the chosen
// slot. Not a failure; the caller just idles.
var ErrSlotBusy = errors.New("creation slot locked by another worker")

// ErrDisabled means the external creation credentials are not configured.
var ErrDisabled = errors.New("account creation not configured")

// ErrNoCreationTarget means no active niche needs an account right now.
// Not a failure; the caller just idles.
var ErrNoCreationTarget = errors.New("no creation target available")

// usernamePrefixes seed plausible handles per niche.
var usernamePrefixes = map[string][]string{
	"personal_finance": {"money", "wealth", "finance", "cash", "invest"},
	"ai_storytelling":  {"story", "tales", "narrative", "fiction", "epic"},
	"tech_ai_tools":    {"tech", "ai", "digital", "code", "smart"},
	"motivation":       {"grind", "hustle", "mindset", "growth", "win"},
	"true_crime":       {"crime", "mystery", "case", "detective", "unsolved"},
}

const (
	lockTTL          = 30 * time.Minute
	installTimeout   = 2 * time.Minute
	verifyTimeout    = 90 * time.Second
	maxUsernameTries = 10
)

// Apps is the install surface the creator needs; *applife.Manager
// implements it.
type Apps interface {
	ResetInstall(ctx context.Context, platform store.Platform, installTimeout time.Duration) error
}

// Directory is the account store surface the creator needs.
type Directory interface {
	CreationTarget(ctx context.Context) (*store.CreationSlot, error)
	UsernameExists(ctx context.Context, platform store.Platform, username string) (bool, error)
	InsertAccount(ctx context.Context, na store.NewAccount) (uuid.UUID, error)
}

// Profile is the identity being signed up.
type Profile struct {
	Username string
	Email    string
	Password string
}

// Creator builds new accounts into the least-served (platform, niche) slot.
type Creator struct {
	dir     Directory
	codec   *crypto.Codec
	locker  lock.Locker
	emitter *events.Emitter
	logger  *slog.Logger

	solver *captcha.Solver
	sms    *smsverify.Client
	email  *emailverify.Verifier

	// catchAll is the mailbox signups are plus-addressed into,
	// e.g. signup+money4821@example.com.
	catchAll string

	// signup is the device flow, swappable in tests.
	signup func(ctx context.Context, auto *wda.Automation, deviceID uuid.UUID, platform store.Platform, p Profile) error
	randN  func(n int) int
}

func New(dir Directory, codec *crypto.Codec, locker lock.Locker, emitter *events.Emitter,
	solver *captcha.Solver, sms *smsverify.Client, email *emailverify.Verifier,
	catchAll string, logger *slog.Logger) *Creator {
	c := &Creator{
		dir:      dir,
		codec:    codec,
		locker:   locker,
		emitter:  emitter,
		logger:   logger,
		solver:   solver,
		sms:      sms,
		email:    email,
		catchAll: catchAll,
		randN:    rand.IntN,
	}
	c.signup = c.runSignup
	return c
}

// Enabled reports whether every external dependency of the signup flow is
// configured. Creation is skipped entirely otherwise.
func (c *Creator) Enabled() bool {
	return c.solver != nil && c.solver.Enabled() &&
		c.sms != nil && c.sms.Enabled() &&
		c.email != nil && c.catchAll != ""
}

// CreateNext creates one account on the device, into the emptiest slot.
// Returns the new account id.
func (c *Creator) CreateNext(ctx context.Context, auto *wda.Automation, apps Apps, deviceID uuid.UUID) (uuid.UUID, error) {
	if !c.Enabled() {
		return uuid.Nil, ErrDisabled
	}

	slot, err := c.dir.CreationTarget(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("pick creation target: %w", err)
	}
	if slot == nil {
		return uuid.Nil, ErrNoCreationTarget
	}

	ok, err := c.locker.Acquire(ctx, slot.Platform, slot.NicheSlug, lockTTL)
	if err != nil {
		return uuid.Nil, fmt.Errorf("acquire creation lock: %w", err)
	}
	if !ok {
		return uuid.Nil, ErrSlotBusy
	}
	defer func() {
		if err := c.locker.Release(context.WithoutCancel(ctx), slot.Platform, slot.NicheSlug); err != nil {
			c.logger.Warn("creator: failed to release creation lock",
				"platform", slot.Platform, "niche", slot.NicheSlug, "error", err)
		}
	}()

	profile, err := c.buildProfile(ctx, slot)
	if err != nil {
		return uuid.Nil, err
	}

	c.emitter.Emit(ctx, events.Event{
		Category: events.CategoryScheduler, Severity: events.SeverityInfo,
		EventType: events.TypeCreationStarted, DeviceID: deviceID,
		Message: fmt.Sprintf("starting %s account creation: %s", slot.Platform, profile.Username),
		Context: map[string]any{
			"platform": string(slot.Platform), "niche": slot.NicheSlug, "email": profile.Email,
		},
	})

	// Fresh install resets the device identifier the platform sees.
	if err := apps.ResetInstall(ctx, slot.Platform, installTimeout); err != nil {
		c.failed(ctx, deviceID, slot, profile, "install", err)
		return uuid.Nil, fmt.Errorf("reset install for creation: %w", err)
	}

	c.emitter.Emit(ctx, events.Event{
		Category: events.CategoryAccount, Severity: events.SeverityInfo,
		EventType: events.TypeAccountCreationStarted, DeviceID: deviceID,
		Message: fmt.Sprintf("signing up %s account: %s", slot.Platform, profile.Username),
		Context: map[string]any{
			"platform": string(slot.Platform), "niche": slot.NicheSlug, "username": profile.Username,
		},
	})

	if err := c.signup(ctx, auto, deviceID, slot.Platform, profile); err != nil {
		c.failed(ctx, deviceID, slot, profile, "signup", err)
		return uuid.Nil, fmt.Errorf("signup %s/%s: %w", slot.Platform, profile.Username, err)
	}

	// 2FA is enabled later through settings; the seed is provisioned now so
	// logins can answer TOTP prompts from day one.
	secret, err := totp.GenerateSecret()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate totp secret: %w", err)
	}

	na, err := c.sealAccount(slot, profile, secret, deviceID)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := c.dir.InsertAccount(ctx, na)
	if err != nil {
		c.failed(ctx, deviceID, slot, profile, "persist", err)
		return uuid.Nil, fmt.Errorf("persist created account: %w", err)
	}

	c.emitter.Emit(ctx, events.Event{
		Category: events.CategoryAccount, Severity: events.SeverityInfo,
		EventType: events.TypeAccountCreated, DeviceID: deviceID, AccountID: id,
		Message: fmt.Sprintf("created %s account: %s", slot.Platform, profile.Username),
		Context: map[string]any{
			"platform": string(slot.Platform), "niche": slot.NicheSlug,
			"email": profile.Email, "username": profile.Username,
		},
	})
	c.logger.Info("creator: account created",
		"platform", slot.Platform, "username", profile.Username, "account_id", id)
	return id, nil
}

func (c *Creator) failed(ctx context.Context, deviceID uuid.UUID, slot *store.CreationSlot, p Profile, step string, err error) {
	c.emitter.Emit(ctx, events.Event{
		Category: events.CategoryAccount, Severity: events.SeverityError,
		EventType: events.TypeAccountCreationFailed, DeviceID: deviceID,
		Message: fmt.Sprintf("%s account creation failed at %s: %s", slot.Platform, step, p.Username),
		Context: map[string]any{
			"platform": string(slot.Platform), "niche": slot.NicheSlug,
			"username": p.Username, "step": step, "error": err.Error(),
		},
	})
}

func (c *Creator) buildProfile(ctx context.Context, slot *store.CreationSlot) (Profile, error) {
	username, err := c.pickUsername(ctx, slot.Platform, slot.NicheSlug)
	if err != nil {
		return Profile{}, err
	}
	password, err := generatePassword()
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		Username: username,
		Email:    c.plusAddress(username),
		Password: password,
	}, nil
}

// pickUsername synthesizes a niche-flavored handle, rerolling on collision
// with any account ever recorded, soft-deleted included.
func (c *Creator) pickUsername(ctx context.Context, platform store.Platform, nicheSlug string) (string, error) {
	prefixes, ok := usernamePrefixes[nicheSlug]
	if !ok {
		prefixes = []string{"user"}
	}
	for range maxUsernameTries {
		prefix := prefixes[c.randN(len(prefixes))]
		digits := 3 + c.randN(4)
		var sb strings.Builder
		sb.WriteString(prefix)
		for range digits {
			sb.WriteByte(byte('0' + c.randN(10)))
		}
		username := sb.String()

		exists, err := c.dir.UsernameExists(ctx, platform, username)
		if err != nil {
			return "", fmt.Errorf("check username: %w", err)
		}
		if !exists {
			return username, nil
		}
	}
	return "", fmt.Errorf("could not find a free username for %s/%s", platform, nicheSlug)
}

// plusAddress derives a per-account address inside the catch-all mailbox.
func (c *Creator) plusAddress(username string) string {
	local, domain, found := strings.Cut(c.catchAll, "@")
	if !found {
		return c.catchAll
	}
	return fmt.Sprintf("%s+%s@%s", local, username, domain)
}

const passwordAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789!#%&*"

// generatePassword draws from the OS entropy source; these are real
// credentials, not a sampled behavior knob.
func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := crand.Read(b); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	for i := range b {
		b[i] = passwordAlphabet[int(b[i])%len(passwordAlphabet)]
	}
	return string(b), nil
}

func (c *Creator) sealAccount(slot *store.CreationSlot, p Profile, totpSecret string, deviceID uuid.UUID) (store.NewAccount, error) {
	emailEnc, err := c.codec.EncryptString(p.Email)
	if err != nil {
		return store.NewAccount{}, fmt.Errorf("seal email: %w", err)
	}
	passwordEnc, err := c.codec.EncryptString(p.Password)
	if err != nil {
		return store.NewAccount{}, fmt.Errorf("seal password: %w", err)
	}
	totpEnc, err := c.codec.EncryptString(totpSecret)
	if err != nil {
		return store.NewAccount{}, fmt.Errorf("seal totp secret: %w", err)
	}
	return store.NewAccount{
		Platform:      slot.Platform,
		Username:      p.Username,
		EmailEnc:      emailEnc,
		PasswordEnc:   passwordEnc,
		TOTPSecretEnc: totpEnc,
		NicheID:       slot.NicheID,
		DeviceID:      deviceID,
	}, nil
}
