package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTokenTTL is the token lifetime used when none is configured.
const DefaultTokenTTL = time.Hour

// Credential is one issued token. It is immutable; a refresh produces a new
// Credential rather than changing an old one.
type Credential struct {
	DeviceID  string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Identity reads the device identity from a SecureElement and issues
// time-bounded tokens from it. It performs no network I/O and caches nothing:
// every IssueToken call signs a new token.
type Identity struct {
	element SecureElement
	format  string
	ttl     time.Duration
	now     func() time.Time
}

// Option configures an Identity.
type Option func(*Identity)

// WithTokenFormat selects FormatSAS (default) or FormatJWT.
func WithTokenFormat(format string) Option {
	return func(i *Identity) { i.format = format }
}

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Identity) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Identity) { i.now = now }
}

// New returns an Identity over element.
func New(element SecureElement, opts ...Option) (*Identity, error) {
	i := &Identity{
		element: element,
		format:  FormatSAS,
		ttl:     DefaultTokenTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	switch i.format {
	case FormatSAS, FormatJWT:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTokenFormat, i.format)
	}
	return i, nil
}

// ID returns the stable device identifier.
func (i *Identity) ID() (string, error) {
	id, err := i.element.DeviceID()
	if err != nil {
		return "", hardwareError("reading device id", err)
	}
	return id, nil
}

// Endpoint returns the ingestion host assigned to this device.
func (i *Identity) Endpoint() (string, error) {
	host, err := i.element.HostName()
	if err != nil {
		return "", hardwareError("reading host name", err)
	}
	return host, nil
}

// IssueToken signs a fresh credential valid for the configured TTL.
func (i *Identity) IssueToken(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}

	id, err := i.ID()
	if err != nil {
		return Credential{}, err
	}
	host, err := i.Endpoint()
	if err != nil {
		return Credential{}, err
	}

	issued := i.now().UTC().Truncate(time.Second)
	expiry := issued.Add(i.ttl)

	var token string
	switch i.format {
	case FormatJWT:
		token, err = jwtToken(i.element, host, id, issued, expiry)
	default:
		token, err = sasToken(i.element, host, id, expiry)
	}
	if err != nil {
		return Credential{}, hardwareError("issuing token", err)
	}

	return Credential{
		DeviceID:  id,
		Token:     token,
		IssuedAt:  issued,
		ExpiresAt: expiry,
	}, nil
}

// hardwareError wraps err in ErrHardwareUnavailable unless it already is.
func hardwareError(op string, err error) error {
	if errors.Is(err, ErrHardwareUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrHardwareUnavailable, op, err)
}
