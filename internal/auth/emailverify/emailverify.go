// Package emailverify pulls signup verification codes out of an IMAP
// inbox. The platforms send codes from known addresses in known phrasings;
// a catch-all domain receives them all.
package emailverify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/sovi-systems/devicecore/internal/store"
)

// platformPatterns extract the verification code per platform, tried in
// order.
var platformPatterns = map[store.Platform][]*regexp.Regexp{
	store.PlatformTikTok: {
		regexp.MustCompile(`(?i)verification code[:\s]+(\d{4,6})`),
		regexp.MustCompile(`(?i)code is[:\s]+(\d{4,6})`),
		regexp.MustCompile(`(?i)\b(\d{6})\b.*verify`),
	},
	store.PlatformInstagram: {
		regexp.MustCompile(`(?i)confirmation code[:\s]+(\d{4,6})`),
		regexp.MustCompile(`(?i)security code[:\s]+(\d{4,6})`),
		regexp.MustCompile(`(?i)\b(\d{6})\b.*Instagram`),
	},
}

// platformSenders are the addresses verification mail arrives from.
var platformSenders = map[store.Platform][]string{
	store.PlatformTikTok:    {"no-reply@tiktok.com", "verify@tiktok.com"},
	store.PlatformInstagram: {"security@mail.instagram.com", "no-reply@mail.instagram.com"},
}

// ExtractCode runs the platform's patterns over an email body.
func ExtractCode(platform store.Platform, body string) (string, bool) {
	for _, p := range platformPatterns[platform] {
		if m := p.FindStringSubmatch(body); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Config holds IMAP credentials for the catch-all inbox.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 993
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Inbox lists recent unseen message bodies from a sender. The IMAP
// implementation reconnects per call: polls are far apart and a held
// connection would go stale.
type Inbox interface {
	UnseenFrom(ctx context.Context, sender string) ([]string, error)
}

type imapInbox struct {
	cfg Config
}

// NewInbox opens the catch-all mailbox described by cfg.
func NewInbox(cfg Config) Inbox {
	return &imapInbox{cfg: cfg}
}

func (in *imapInbox) UnseenFrom(_ context.Context, sender string) ([]string, error) {
	c, err := client.DialTLS(in.cfg.addr(), nil)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", in.cfg.addr(), err)
	}
	defer c.Logout() //nolint:errcheck

	if err := c.Login(in.cfg.Username, in.cfg.Password); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("imap select inbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = time.Now().Add(-24 * time.Hour)
	criteria.Header.Add("From", sender)

	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	// newest five only
	if len(ids) > 5 {
		ids = ids[len(ids)-5:]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier}}

	messages := make(chan *imap.Message, len(ids))
	if err := c.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages); err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	var bodies []string
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		bodies = append(bodies, string(raw))
	}
	return bodies, nil
}

// Verifier polls an inbox for codes.
type Verifier struct {
	inbox  Inbox
	logger *slog.Logger

	pollInterval time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(v *Verifier) { v.pollInterval = d }
}

func NewVerifier(inbox Inbox, logger *slog.Logger, opts ...Option) *Verifier {
	v := &Verifier{inbox: inbox, logger: logger, pollInterval: 5 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// PollForCode waits for the platform's verification email and returns its
// code.
func (v *Verifier) PollForCode(ctx context.Context, platform store.Platform, timeout time.Duration) (string, error) {
	senders := platformSenders[platform]
	if len(senders) == 0 {
		return "", fmt.Errorf("no email senders configured for platform %s", platform)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, sender := range senders {
			bodies, err := v.inbox.UnseenFrom(ctx, sender)
			if err != nil {
				v.logger.Warn("emailverify: poll error", "sender", sender, "error", err)
				continue
			}
			// newest first
			for i := len(bodies) - 1; i >= 0; i-- {
				if code, ok := ExtractCode(platform, bodies[i]); ok {
					v.logger.Info("emailverify: code found", "platform", platform)
					return code, nil
				}
			}
		}

		t := time.NewTimer(v.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return "", fmt.Errorf("timed out waiting for %s verification email", platform)
}
