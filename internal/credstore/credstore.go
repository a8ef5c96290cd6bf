// Package credstore issues and validates the two credential classes of the
// hub: operator session tokens (short-lived JWTs carrying a role claim) and
// per-plugin API keys (long-lived, hashed at rest, revocable, usage-tracked).
package credstore

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

// ErrUnauthorized covers every credential rejection: missing, malformed,
// expired, revoked, or failing the hash compare. Callers get no finer detail.
var ErrUnauthorized = errors.New("unauthorized")

// Role is the claim carried by an operator session token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "read-only"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleReadOnly:
		return Role(s), true
	}
	return "", false
}

// Scope is a permission granted to an API key.
type Scope string

const (
	ScopeReportMetrics Scope = "report-metrics"
	ScopeReportHealth  Scope = "report-health"
	ScopeFetchConfig   Scope = "fetch-config"
)

func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeReportMetrics, ScopeReportHealth, ScopeFetchConfig:
		return Scope(s), true
	}
	return "", false
}

type Config struct {
	// TokenSecret signs session tokens (HS256). Required.
	TokenSecret string
	// TokenTTL bounds session token lifetime. Default 1h.
	TokenTTL time.Duration
	// VerifyFailuresPerMin budgets failed key verifications per source
	// address before further attempts are rejected outright. Default 20.
	VerifyFailuresPerMin int
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Hour
	}
	if c.VerifyFailuresPerMin <= 0 {
		c.VerifyFailuresPerMin = 20
	}
	return c
}

// Service is the credential store. It owns no background goroutines.
type Service struct {
	cfg   Config
	log   logx.Logger
	store storage.Store

	// Per-source failure limiters blunt brute-force attempts against the
	// key-verification path. Distinct from the gateway's per-operation
	// limiting.
	lmu      sync.Mutex
	limiters map[string]*rate.Limiter

	now func() time.Time
}

func New(cfg Config, log logx.Logger, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		store:    store,
		limiters: map[string]*rate.Limiter{},
		now:      time.Now,
	}
}

func (s *Service) failLimiter(source string) *rate.Limiter {
	if source == "" {
		source = "unknown"
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	lim, ok := s.limiters[source]
	if !ok {
		per := s.cfg.VerifyFailuresPerMin
		lim = rate.NewLimiter(rate.Limit(per)/60, per)
		s.limiters[source] = lim
	}
	return lim
}
