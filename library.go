package dkim

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/idna"
)

// Flags is a bitmask of LibraryHandle behavior toggles.
type Flags uint

const (
	FlagFixCRLF Flags = 1 << iota
	FlagSignLength
	FlagKeepTempfiles
	FlagAllowB64Bleed
	FlagEnforceSignedLength
)

// QueryMethod selects how key records are retrieved.
type QueryMethod int

const (
	QueryMethodDNS QueryMethod = iota
	QueryMethodFile
)

// LibraryHandle holds process-wide configuration shared, read-mostly,
// across every Context created from it: flags, DNS backend, minimum key
// size, the default signable header set, and the logging/job-id helpers.
// Configuration is exposed through typed setter methods rather than an
// untyped option bag.
type LibraryHandle struct {
	mu sync.RWMutex

	flags        Flags
	fixedTime    *time.Time
	backend      Backend
	queryMethod  QueryMethod
	minKeyBits   int
	signHeaders  []string
	skipHeaders  []string
	oversignHeaders []string
	senderHeaders []string
	clockDrift   time.Duration

	logger *zap.Logger
	idna   *idna.Profile

	// activeSessions counts Contexts currently past EOH. Configuration
	// that affects in-flight Contexts (signable-header set, DNS backend,
	// flags) may only change while this is zero.
	activeSessions int
}

// defaultSignHeaders mirrors the recommended list of RFC 6376 §5.4.1.
var defaultSignHeaders = []string{
	"From", "Reply-To", "Subject", "Date", "To", "Cc", "Message-ID",
	"MIME-Version", "Content-Type", "Content-Transfer-Encoding",
	"In-Reply-To", "References",
}

// NewLibraryHandle creates a LibraryHandle with DKIM1 defaults: DNS TXT
// queries, 1024-bit RSA floor, the §5.4.1 default signable set, and a
// no-op logger.
func NewLibraryHandle(backend Backend) *LibraryHandle {
	return &LibraryHandle{
		backend:     backend,
		queryMethod: QueryMethodDNS,
		minKeyBits:  1024,
		signHeaders: append([]string(nil), defaultSignHeaders...),
		clockDrift:  0,
		logger:      zap.NewNop(),
		idna:        idna.New(idna.ValidateLabels(true), idna.VerifyDNSLength(true)),
	}
}

func (lib *LibraryHandle) guardConfigChange() error {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	if lib.activeSessions > 0 {
		return newError(KindInvalidState, "cannot change library configuration while a Context is active")
	}
	return nil
}

// SetFlags installs the behavior-toggle bitmask.
func (lib *LibraryHandle) SetFlags(f Flags) error {
	if err := lib.guardConfigChange(); err != nil {
		return err
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.flags = f
	return nil
}

func (lib *LibraryHandle) Flags() Flags {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return lib.flags
}

// SetFixedTime overrides t= and time-based checks, for deterministic
// testing.
func (lib *LibraryHandle) SetFixedTime(t time.Time) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.fixedTime = &t
}

func (lib *LibraryHandle) now() time.Time {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	if lib.fixedTime != nil {
		return *lib.fixedTime
	}
	return time.Now()
}

// SetQueryMethod records which key-lookup method is in effect; the
// actual lookup behavior is determined by the installed Backend.
func (lib *LibraryHandle) SetQueryMethod(m QueryMethod) error {
	if err := lib.guardConfigChange(); err != nil {
		return err
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.queryMethod = m
	return nil
}

// SetBackend installs the key-record lookup backend.
func (lib *LibraryHandle) SetBackend(b Backend) error {
	if err := lib.guardConfigChange(); err != nil {
		return err
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.backend = b
	return nil
}

// SetMinKeyBits sets the minimum acceptable RSA key size (default 1024).
func (lib *LibraryHandle) SetMinKeyBits(bits int) error {
	if err := lib.guardConfigChange(); err != nil {
		return err
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.minKeyBits = bits
	return nil
}

// SetSignHeaders, SetSkipHeaders and SetOversignHeaders configure the
// default signable header set: SignHeaders lists candidates, SkipHeaders
// removes names from that list, and OversignHeaders are appended once
// more regardless of presence, to prevent a relay from inserting an
// unsigned header of that name without invalidating the signature.
func (lib *LibraryHandle) SetSignHeaders(names []string) error {
	if err := lib.guardConfigChange(); err != nil {
		return err
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.signHeaders = append([]string(nil), names...)
	return nil
}

func (lib *LibraryHandle) SetSkipHeaders(names []string) error {
	if err := lib.guardConfigChange(); err != nil {
		return err
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.skipHeaders = append([]string(nil), names...)
	return nil
}

func (lib *LibraryHandle) SetOversignHeaders(names []string) error {
	if err := lib.guardConfigChange(); err != nil {
		return err
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.oversignHeaders = append([]string(nil), names...)
	return nil
}

// SetSenderHeaders configures the header set establishing author
// identity, used by ATPS's author-domain determination.
func (lib *LibraryHandle) SetSenderHeaders(names []string) error {
	if err := lib.guardConfigChange(); err != nil {
		return err
	}
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.senderHeaders = append([]string(nil), names...)
	return nil
}

// SetClockDrift configures tolerance for the x= expiry check.
func (lib *LibraryHandle) SetClockDrift(d time.Duration) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	lib.clockDrift = d
}

// SetLogger installs a zap logger used for library-level diagnostics
// (DNS lookups, key parsing failures); nil installs a no-op logger.
func (lib *LibraryHandle) SetLogger(logger *zap.Logger) {
	lib.mu.Lock()
	defer lib.mu.Unlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	lib.logger = logger
}

func (lib *LibraryHandle) log() *zap.Logger {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return lib.logger
}

func (lib *LibraryHandle) clockDriftFor() time.Duration {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	return lib.clockDrift
}

func (lib *LibraryHandle) senderHeadersFor() []string {
	lib.mu.RLock()
	defer lib.mu.RUnlock()
	if len(lib.senderHeaders) == 0 {
		return []string{"From"}
	}
	return lib.senderHeaders
}

// NewJobID returns a fresh job id for callers that don't want to manage
// their own correlation ids.
func NewJobID() string {
	return uuid.NewString()
}
