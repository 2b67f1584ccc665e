package creator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sovi-systems/devicecore/internal/store"
	"github.com/sovi-systems/devicecore/internal/wda"
)

var months = []string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

func (c *Creator) runSignup(ctx context.Context, auto *wda.Automation, deviceID uuid.UUID, platform store.Platform, p Profile) error {
	switch platform {
	case store.PlatformTikTok:
		return c.signupTikTok(ctx, auto, deviceID, p)
	case store.PlatformInstagram:
		return c.signupInstagram(ctx, auto, deviceID, p)
	default:
		return fmt.Errorf("unsupported signup platform %s", platform)
	}
}

// tapFirst clicks the first label in the list that exists on screen, then
// waits settle. Reports whether anything was tapped.
func tapFirst(ctx context.Context, auto *wda.Automation, labels []string, settle time.Duration) bool {
	for _, label := range labels {
		ok, err := auto.TapElement(ctx, wda.ByAccessibilityID, label)
		if err == nil && ok {
			auto.HumanDelay(ctx, settle, settle)
			return true
		}
	}
	return false
}

func (c *Creator) signupTikTok(ctx context.Context, auto *wda.Automation, deviceID uuid.UUID, p Profile) error {
	if err := auto.Launch(ctx, store.PlatformTikTok); err != nil {
		return err
	}

	tapFirst(ctx, auto, []string{"Sign up", "Sign Up", "Use phone or email"}, 2*time.Second)

	if err := c.spinBirthdate(ctx, auto); err != nil {
		return err
	}

	tapFirst(ctx, auto, []string{"Email", "Use email"}, time.Second)

	if _, err := auto.TypeText(ctx, wda.ByPredicate, `type == "XCUIElementTypeTextField"`, p.Email); err != nil {
		return fmt.Errorf("enter email: %w", err)
	}
	auto.HumanDelay(ctx, time.Second, time.Second)
	tapFirst(ctx, auto, []string{"Next", "Continue"}, 3*time.Second)

	c.maybeSolveSlide(ctx, auto, store.PlatformTikTok, deviceID)
	auto.HumanDelay(ctx, 3*time.Second, 3*time.Second)

	if err := c.enterEmailCode(ctx, auto, store.PlatformTikTok); err != nil {
		return err
	}

	if _, err := auto.TypeText(ctx, wda.ByPredicate, `type == "XCUIElementTypeSecureTextField"`, p.Password); err != nil {
		return fmt.Errorf("enter password: %w", err)
	}
	auto.HumanDelay(ctx, time.Second, time.Second)
	tapFirst(ctx, auto, []string{"Next", "Sign up", "Sign Up"}, 3*time.Second)

	if err := c.maybeVerifySMS(ctx, auto, store.PlatformTikTok); err != nil {
		return err
	}

	auto.HumanDelay(ctx, 3*time.Second, 3*time.Second)
	auto.DismissPopups(ctx, 3)
	tapFirst(ctx, auto, []string{"Skip", "Not now", "Maybe later"}, 2*time.Second)
	auto.DismissPopups(ctx, 3)

	c.logger.Info("creator: tiktok signup flow completed", "email", p.Email)
	return nil
}

func (c *Creator) signupInstagram(ctx context.Context, auto *wda.Automation, deviceID uuid.UUID, p Profile) error {
	if err := auto.Launch(ctx, store.PlatformInstagram); err != nil {
		return err
	}

	tapFirst(ctx, auto, []string{"Create new account", "Join Instagram", "Sign Up", "Sign up"}, 2*time.Second)

	emailPred := `type == "XCUIElementTypeTextField" AND (name CONTAINS "email" OR name CONTAINS "Email" OR name CONTAINS "phone")`
	if _, err := auto.TypeText(ctx, wda.ByPredicate, emailPred, p.Email); err != nil {
		return fmt.Errorf("enter email: %w", err)
	}
	auto.HumanDelay(ctx, time.Second, time.Second)
	tapFirst(ctx, auto, []string{"Next", "Continue"}, 3*time.Second)

	c.maybeSolveSlide(ctx, auto, store.PlatformInstagram, deviceID)

	if err := c.enterEmailCode(ctx, auto, store.PlatformInstagram); err != nil {
		return err
	}
	tapFirst(ctx, auto, []string{"Next", "Confirm", "Continue"}, 3*time.Second)

	namePred := `type == "XCUIElementTypeTextField" AND (name CONTAINS "name" OR name CONTAINS "Name")`
	if _, err := auto.TypeText(ctx, wda.ByPredicate, namePred, displayName(p.Username)); err != nil {
		return fmt.Errorf("enter full name: %w", err)
	}
	auto.HumanDelay(ctx, time.Second, time.Second)

	if _, err := auto.TypeText(ctx, wda.ByPredicate, `type == "XCUIElementTypeSecureTextField"`, p.Password); err != nil {
		return fmt.Errorf("enter password: %w", err)
	}
	auto.HumanDelay(ctx, time.Second, time.Second)
	tapFirst(ctx, auto, []string{"Next", "Continue", "Sign Up"}, 3*time.Second)

	// Birthday picker comes pre-set to an adult date often enough to just
	// confirm it.
	wheels, err := auto.Session().FindElements(ctx, wda.ByClassChain, "**/XCUIElementTypePickerWheel")
	if err == nil && len(wheels) > 0 {
		tapFirst(ctx, auto, []string{"Next", "Set Date", "Continue"}, 2*time.Second)
	}

	usernamePred := `type == "XCUIElementTypeTextField" AND (name CONTAINS "username" OR name CONTAINS "Username")`
	if ok, _ := auto.TypeText(ctx, wda.ByPredicate, usernamePred, p.Username); ok {
		auto.HumanDelay(ctx, time.Second, time.Second)
		tapFirst(ctx, auto, []string{"Next", "Continue"}, 3*time.Second)
	}

	auto.DismissPopups(ctx, 5)
	auto.HumanDelay(ctx, 2*time.Second, 2*time.Second)
	for tapFirst(ctx, auto, []string{"Skip", "Not Now", "Not now", "Maybe Later"}, 2*time.Second) {
		if ctx.Err() != nil {
			break
		}
	}
	auto.DismissPopups(ctx, 3)

	c.logger.Info("creator: instagram signup flow completed", "email", p.Email)
	return nil
}

// spinBirthdate fills TikTok's three picker wheels with an adult birthdate.
func (c *Creator) spinBirthdate(ctx context.Context, auto *wda.Automation) error {
	sess := auto.Session()
	wheels, err := sess.FindElements(ctx, wda.ByClassChain, "**/XCUIElementTypePickerWheel")
	if err != nil || len(wheels) != 3 {
		return nil
	}

	values := []string{
		months[c.randN(len(months))],
		fmt.Sprintf("%d", 1+c.randN(28)),
		fmt.Sprintf("%d", 1990+c.randN(13)),
	}
	for i, wheel := range wheels {
		if err := sess.SetWheelValue(ctx, wheel, values[i]); err != nil {
			return fmt.Errorf("set birthdate wheel: %w", err)
		}
		auto.HumanDelay(ctx, 300*time.Millisecond, 300*time.Millisecond)
	}

	tapFirst(ctx, auto, []string{"Next"}, 3*time.Second)
	return nil
}

// maybeSolveSlide screenshots the current screen and, if the solver finds a
// slide puzzle, drags the piece into place. Best effort: an unsolved captcha
// surfaces later as a stuck flow, not here.
func (c *Creator) maybeSolveSlide(ctx context.Context, auto *wda.Automation, platform store.Platform, deviceID uuid.UUID) {
	sess := auto.Session()
	png, err := sess.Screenshot(ctx)
	if err != nil || len(png) == 0 {
		return
	}
	sol, err := c.solver.SolveSlide(ctx, png, string(platform), deviceID, uuid.Nil)
	if err != nil {
		c.logger.Warn("creator: slide solve failed", "platform", platform, "error", err)
		return
	}
	if err := sess.Swipe(ctx, 40, sol.ObjectY, sol.ObjectX, sol.ObjectY, time.Second); err != nil {
		c.logger.Warn("creator: slide drag failed", "error", err)
	}
}

// enterEmailCode waits for the platform's verification email and types the
// code into the visible text field.
func (c *Creator) enterEmailCode(ctx context.Context, auto *wda.Automation, platform store.Platform) error {
	code, err := c.email.PollForCode(ctx, platform, verifyTimeout)
	if err != nil {
		return fmt.Errorf("email verification: %w", err)
	}
	if _, err := auto.TypeText(ctx, wda.ByPredicate, `type == "XCUIElementTypeTextField"`, code); err != nil {
		return fmt.Errorf("enter email code: %w", err)
	}
	auto.HumanDelay(ctx, 2*time.Second, 2*time.Second)
	return nil
}

// maybeVerifySMS rents a disposable number if the flow demands a phone.
// A code that never arrives cancels the rental; the account may still go
// through on email alone.
func (c *Creator) maybeVerifySMS(ctx context.Context, auto *wda.Automation, platform store.Platform) error {
	sess := auto.Session()
	phoneField, err := sess.FindElement(ctx, wda.ByPredicate, `name CONTAINS "phone" OR name CONTAINS "Phone"`)
	if err != nil || phoneField == nil {
		return nil
	}

	v, err := c.sms.RequestNumber(ctx, platform)
	if err != nil {
		return fmt.Errorf("rent sms number: %w", err)
	}
	if err := sess.TypeIntoElement(ctx, *phoneField, v.PhoneNumber); err != nil {
		return fmt.Errorf("enter phone number: %w", err)
	}
	auto.HumanDelay(ctx, 2*time.Second, 2*time.Second)
	tapFirst(ctx, auto, []string{"Send code", "Send Code", "Next"}, 3*time.Second)

	code, err := c.sms.WaitForCode(ctx, v, verifyTimeout)
	if err != nil {
		if cerr := c.sms.Cancel(context.WithoutCancel(ctx), v); cerr != nil {
			c.logger.Warn("creator: failed to cancel sms rental", "verification", v.ID, "error", cerr)
		}
		return fmt.Errorf("sms verification: %w", err)
	}
	if _, err := auto.TypeText(ctx, wda.ByPredicate, `type == "XCUIElementTypeTextField"`, code); err != nil {
		return fmt.Errorf("enter sms code: %w", err)
	}
	auto.HumanDelay(ctx, 2*time.Second, 2*time.Second)
	return nil
}

// displayName turns a handle like money4821 into a presentable full name.
func displayName(username string) string {
	letters := username
	for i, r := range username {
		if r >= '0' && r <= '9' {
			letters = username[:i]
			break
		}
	}
	if letters == "" {
		return username
	}
	return string(letters[0]-'a'+'A') + letters[1:]
}
