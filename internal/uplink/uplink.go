package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FdxDelveloper/iot-walkthrough/internal/identity"
)

// DefaultSendTimeout bounds one telemetry send attempt.
const DefaultSendTimeout = 10 * time.Second

// errNoSession means Start never succeeded or the last refresh failed
// before any session existed. Publish dials in that case.
var errNoSession = fmt.Errorf("%w: no session", ErrNotConnected)

// State is the connection state of the uplink.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is one authenticated connection to the cloud endpoint. A session
// is never patched: a new credential means a new session.
type Session interface {
	// Publish sends one telemetry payload. A credential refusal is
	// reported as ErrAuthRejected.
	Publish(ctx context.Context, payload []byte) error

	// SubscribeDesired registers fn for every desired-state patch document.
	SubscribeDesired(fn func(doc []byte)) error

	// FetchDesired returns the full desired-state document.
	FetchDesired(ctx context.Context) ([]byte, error)

	// Close unsubscribes and disconnects. No patch is delivered after
	// Close returns.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, cred identity.Credential) (Session, error)
}

// CredentialSource is the device identity. *identity.Identity satisfies it.
type CredentialSource interface {
	ID() (string, error)
	Endpoint() (string, error)
	IssueToken(ctx context.Context) (identity.Credential, error)
}

// Logger defines the logging interface used by the uplink.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Uplink publishes telemetry over an authenticated session and feeds remote
// desired-state changes to a ConfigHandler.
//
// A send refused with ErrAuthRejected triggers exactly one credential
// refresh (new credential, new session) and exactly one retry. Concurrent
// publishers that hit the same rejection share a single refresh.
//
// Thread Safety:
//   - All public methods are safe for concurrent use.
type Uplink struct {
	creds       CredentialSource
	dialer      Dialer
	handler     ConfigHandler
	sendTimeout time.Duration
	now         func() time.Time
	logger      Logger

	// mu guards the session handle. Sends hold it for reading, a refresh
	// holds it for writing.
	mu       sync.RWMutex
	session  Session
	cred     identity.Credential
	deviceID string
	gen      uint64
	closed   bool

	liveGen atomic.Uint64
	state   atomic.Int32

	// applyMu serializes desired-state applies. keyVersions records the
	// document version that last set each key.
	applyMu     sync.Mutex
	applyClosed bool
	keyVersions map[string]int64
}

// Option configures an Uplink.
type Option func(*Uplink)

// WithSendTimeout bounds each send attempt.
func WithSendTimeout(d time.Duration) Option {
	return func(u *Uplink) {
		if d > 0 {
			u.sendTimeout = d
		}
	}
}

// WithClock sets the clock used to stamp events without a time.
func WithClock(now func() time.Time) Option {
	return func(u *Uplink) {
		u.now = now
	}
}

// New creates an uplink. Nothing is dialled until Start.
func New(creds CredentialSource, dialer Dialer, handler ConfigHandler, opts ...Option) *Uplink {
	u := &Uplink{
		creds:       creds,
		dialer:      dialer,
		handler:     handler,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
		logger:      noopLogger{},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// SetLogger sets the logger for the uplink.
func (u *Uplink) SetLogger(logger Logger) {
	u.logger = logger
}

// State returns the current connection state.
func (u *Uplink) State() State {
	return State(u.state.Load())
}

// Credential returns the credential of the live session.
func (u *Uplink) Credential() identity.Credential {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.cred
}

// Start issues a credential, opens the session, subscribes to desired-state
// patches and applies the desired-state snapshot.
//
// identity.ErrHardwareUnavailable is returned unchanged (wrapped) so the
// caller can treat it as fatal.
func (u *Uplink) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}
	return u.connectLocked(ctx)
}

// Publish sends ev. On ErrAuthRejected the credential is refreshed once and
// the send retried once. Every failure is reported as ErrPublishFailed
// wrapping the cause.
func (u *Uplink) Publish(ctx context.Context, ev Event) error {
	gen, err := u.send(ctx, ev)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrAuthRejected) && !errors.Is(err, errNoSession) {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	u.logger.Warn("telemetry send refused, refreshing session", "error", err)
	if err := u.refresh(ctx, gen); err != nil {
		return fmt.Errorf("%w: refreshing session: %w", ErrPublishFailed, err)
	}

	if _, err := u.send(ctx, ev); err != nil {
		return fmt.Errorf("%w: after refresh: %w", ErrPublishFailed, err)
	}
	return nil
}

// send makes one attempt on the current session and reports the session
// generation it used.
func (u *Uplink) send(ctx context.Context, ev Event) (uint64, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.closed {
		return u.gen, ErrClosed
	}
	if u.session == nil {
		return u.gen, errNoSession
	}

	payload, err := ev.payload(u.deviceID, u.now())
	if err != nil {
		return u.gen, fmt.Errorf("encoding event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, u.sendTimeout)
	defer cancel()

	if err := u.session.Publish(ctx, payload); err != nil {
		return u.gen, err
	}
	return u.gen, nil
}

// refresh replaces the session seen at generation gen. If another caller
// has already replaced it, refresh returns without dialling again.
func (u *Uplink) refresh(ctx context.Context, gen uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrClosed
	}
	if u.gen != gen && u.session != nil {
		return nil
	}
	return u.connectLocked(ctx)
}

// connectLocked opens a new session and swaps it in. Callers hold mu.
func (u *Uplink) connectLocked(ctx context.Context) error {
	u.state.Store(int32(StateConnecting))

	sess, cred, err := u.open(ctx)
	if err != nil {
		// A failed refresh keeps the old handle, so the generation is
		// unchanged and the next rejected send refreshes again.
		if errors.Is(err, ErrAuthRejected) {
			u.state.Store(int32(StateAuthFailed))
		} else {
			u.state.Store(int32(StateDisconnected))
		}
		return err
	}

	old := u.session
	u.session = sess
	u.cred = cred
	u.gen++
	u.liveGen.Store(u.gen)
	u.state.Store(int32(StateConnected))

	if old != nil {
		if err := old.Close(); err != nil {
			u.logger.Debug("closing previous session", "error", err)
		}
	}

	u.logger.Info("uplink session established",
		"device_id", cred.DeviceID,
		"expires_at", cred.ExpiresAt,
	)
	return nil
}

// open issues a credential and dials a session: patches first, then the
// snapshot, so no patch can fall between the two.
func (u *Uplink) open(ctx context.Context) (Session, identity.Credential, error) {
	if u.deviceID == "" {
		id, err := u.creds.ID()
		if err != nil {
			return nil, identity.Credential{}, err
		}
		u.deviceID = id
	}

	cred, err := u.creds.IssueToken(ctx)
	if err != nil {
		return nil, identity.Credential{}, err
	}
	endpoint, err := u.creds.Endpoint()
	if err != nil {
		return nil, identity.Credential{}, err
	}

	sess, err := u.dialer.Dial(ctx, endpoint, cred)
	if err != nil {
		return nil, identity.Credential{}, err
	}

	gen := u.gen + 1
	if err := sess.SubscribeDesired(func(doc []byte) {
		u.applyDesired(context.Background(), gen, doc, "patch")
	}); err != nil {
		sess.Close() //nolint:errcheck // Session is being discarded
		return nil, identity.Credential{}, fmt.Errorf("subscribing to desired state: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, u.sendTimeout)
	defer cancel()
	doc, err := sess.FetchDesired(ctx)
	switch {
	case errors.Is(err, ErrAuthRejected):
		sess.Close() //nolint:errcheck // Session is being discarded
		return nil, identity.Credential{}, err
	case err != nil:
		// Patches still flow; the next refresh fetches the snapshot again.
		u.logger.Warn("fetching desired state failed", "error", err)
	default:
		u.applyDesired(ctx, gen, doc, "snapshot")
	}

	return sess, cred, nil
}

// applyDesired parses one desired-state document and hands its entries to
// the handler. Documents from a replaced session are dropped. Within a
// versioned document, keys already set by a newer version are dropped so a
// late snapshot fills in only what newer patches have not touched.
func (u *Uplink) applyDesired(ctx context.Context, gen uint64, data []byte, kind string) {
	u.applyMu.Lock()
	defer u.applyMu.Unlock()

	if u.applyClosed || gen < u.liveGen.Load() {
		return
	}

	doc, err := parseDesired(data)
	if err != nil {
		u.logger.Warn("ignoring desired state", "kind", kind, "error", err)
		return
	}
	if doc.skipped != nil {
		u.logger.Warn("desired state has unsupported values", "kind", kind, "error", doc.skipped)
	}

	entries := doc.entries
	if doc.hasVersion {
		entries = u.freshEntries(doc, kind)
	}

	if len(entries) == 0 || u.handler == nil {
		return
	}
	if err := u.handler.ApplyConfig(ctx, entries); err != nil {
		u.logger.Error("applying remote configuration failed", "kind", kind, "entries", len(entries), "error", err)
	}
}

// freshEntries drops the entries of doc that a newer version already set
// and records doc's version for the rest. Callers hold applyMu.
func (u *Uplink) freshEntries(doc desiredDocument, kind string) []ConfigEntry {
	if u.keyVersions == nil {
		u.keyVersions = make(map[string]int64)
	}

	fresh := make([]ConfigEntry, 0, len(doc.entries))
	for _, e := range doc.entries {
		if applied, ok := u.keyVersions[e.Key]; ok && applied > doc.version {
			u.logger.Debug("discarding stale desired value",
				"kind", kind,
				"key", e.Key,
				"version", doc.version,
				"applied_version", applied,
			)
			continue
		}
		u.keyVersions[e.Key] = doc.version
		fresh = append(fresh, e)
	}
	return fresh
}

// HealthCheck reports whether a session is open.
func (u *Uplink) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("uplink health check: %w", ctx.Err())
	default:
	}
	if s := u.State(); s != StateConnected {
		return fmt.Errorf("%w: state %s", ErrNotConnected, s)
	}
	return nil
}

// Close closes the session. No configuration is delivered after Close
// returns. Calling Close more than once is safe.
func (u *Uplink) Close() error {
	u.mu.Lock()
	sess := u.session
	u.session = nil
	u.closed = true
	u.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}

	u.applyMu.Lock()
	u.applyClosed = true
	u.applyMu.Unlock()

	u.state.Store(int32(StateDisconnected))
	return err
}
