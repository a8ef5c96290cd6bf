// Package gateway wraps every engine operation with authentication,
// authorization, input validation, per-operation-class rate limiting, and
// append-only audit logging.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"monhub/internal/credstore"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

var (
	// ErrUnauthorized: missing or invalid credential.
	ErrUnauthorized = credstore.ErrUnauthorized
	// ErrForbidden: valid credential, insufficient role or scope.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput: structurally malformed or suspicious input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited: the actor's budget for this operation class is spent.
	ErrRateLimited = errors.New("rate limited")
)

type Config struct {
	// Window is the sliding rate-limit window. Default 1m.
	Window time.Duration
	// Budgets are calls per window per actor, by class. Zero entries get
	// the defaults below.
	Budgets map[Class]int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	defaults := map[Class]int{
		ClassRead:             120,
		ClassExecutionTrigger: 10,
		ClassMetricReport:     100,
		ClassHealthReport:     30,
		ClassConfigMutation:   5,
	}
	merged := make(map[Class]int, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range c.Budgets {
		if v > 0 {
			merged[k] = v
		}
	}
	c.Budgets = merged
	return c
}

// Actor is the resolved identity behind a call.
type Actor struct {
	ID   string
	Type string // user | api-key

	// Role is set for session-token actors.
	Role credstore.Role
	// Key is the verified record for API-key actors. It is the state the
	// call was authorized against; a concurrent revocation does not
	// retroactively invalidate this call.
	Key storage.APIKeyRecord
}

// Request is one engine-facing call about to pass the pipeline.
type Request struct {
	// Exactly one of Token or APIKey authenticates the call.
	Token  string
	APIKey string
	// Source is the caller's network address, for audit and brute-force
	// throttling.
	Source string

	Op         Operation
	ResourceID string

	// Fields are free-form string inputs subject to structural checks.
	Fields map[string]string
	// Payload, when set, is validated with struct tags.
	Payload any
}

// Gateway is the security pipeline in front of the engine.
type Gateway struct {
	cfg      Config
	log      logx.Logger
	creds    *credstore.Service
	store    storage.Store
	limiter  *rateLimiter
	validate *validator.Validate
	now      func() time.Time
}

func New(cfg Config, log logx.Logger, creds *credstore.Service, store storage.Store) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:      cfg,
		log:      log,
		creds:    creds,
		store:    store,
		limiter:  newRateLimiter(cfg.Window, cfg.Budgets),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Do runs fn behind the full pipeline. Exactly one audit entry is written per
// call, success or failure, with the rejecting stage in the detail.
func (g *Gateway) Do(ctx context.Context, req Request, fn func(ctx context.Context, actor Actor) error) error {
	actor, err := g.process(ctx, req, fn)

	entry := storage.AuditEntry{
		ID:         uuid.NewString(),
		At:         g.now(),
		Actor:      actor.ID,
		ActorType:  actor.Type,
		Action:     opTable[req.Op].action,
		Resource:   opTable[req.Op].resource,
		ResourceID: req.ResourceID,
		Source:     req.Source,
		OK:         err == nil,
	}
	if entry.Actor == "" {
		entry.Actor = "anonymous"
		entry.ActorType = "unknown"
	}
	// An unregistered operation still gets an attributable audit row.
	if entry.Action == "" {
		entry.Action = "unknown"
		entry.Resource = "unknown"
	}
	if err != nil {
		entry.Detail = rejectionStage(err) + ": " + err.Error()
	}
	if aerr := g.store.AppendAudit(ctx, entry); aerr != nil {
		// The call outcome stands; losing an audit row is loud but not fatal.
		g.log.Error("audit append failed", logx.String("op", string(req.Op)), logx.Err(aerr))
	}
	return err
}

func (g *Gateway) process(ctx context.Context, req Request, fn func(ctx context.Context, actor Actor) error) (Actor, error) {
	spec, ok := opTable[req.Op]
	if !ok {
		return Actor{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, req.Op)
	}

	// 1. Authentication.
	actor, err := g.authenticate(ctx, req)
	if err != nil {
		return actor, err
	}

	// 2. Authorization.
	if err := authorize(actor, spec); err != nil {
		return actor, err
	}

	// 3. Input validation.
	if err := checkFields(req.Fields); err != nil {
		return actor, err
	}
	if req.Payload != nil {
		if err := g.validate.Struct(req.Payload); err != nil {
			return actor, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	// 4. Rate limiting. The window counter is an atomic check-and-append;
	// a rejected call never reaches the underlying operation.
	if !g.limiter.allow(actor.ID, spec.class, g.now()) {
		return actor, fmt.Errorf("%w: %s budget exceeded", ErrRateLimited, spec.class)
	}

	// 5. The operation itself.
	return actor, fn(ctx, actor)
}

func (g *Gateway) authenticate(ctx context.Context, req Request) (Actor, error) {
	switch {
	case req.Token != "" && req.APIKey != "":
		return Actor{}, fmt.Errorf("%w: ambiguous credentials", ErrUnauthorized)
	case req.Token != "":
		user, role, err := g.creds.VerifyToken(req.Token)
		if err != nil {
			return Actor{}, err
		}
		return Actor{ID: user, Type: "user", Role: role}, nil
	case req.APIKey != "":
		rec, err := g.creds.VerifyKey(ctx, req.APIKey, req.Source)
		if err != nil {
			return Actor{}, err
		}
		return Actor{ID: rec.ID, Type: "api-key", Key: rec}, nil
	default:
		return Actor{}, fmt.Errorf("%w: no credential presented", ErrUnauthorized)
	}
}

func authorize(actor Actor, spec opSpec) error {
	switch actor.Type {
	case "user":
		if spec.minRole == "" {
			return fmt.Errorf("%w: operation requires an api key", ErrForbidden)
		}
		if !roleAllows(actor.Role, spec.minRole) {
			return fmt.Errorf("%w: role %s below %s", ErrForbidden, actor.Role, spec.minRole)
		}
	case "api-key":
		if spec.scope == "" {
			return fmt.Errorf("%w: operation requires a session token", ErrForbidden)
		}
		if !credstore.HasScope(actor.Key, spec.scope) {
			return fmt.Errorf("%w: key lacks scope %s", ErrForbidden, spec.scope)
		}
	default:
		return fmt.Errorf("%w: unknown actor type", ErrForbidden)
	}
	return nil
}

func rejectionStage(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "authentication"
	case errors.Is(err, ErrForbidden):
		return "authorization"
	case errors.Is(err, ErrInvalidInput):
		return "validation"
	case errors.Is(err, ErrRateLimited):
		return "rate-limit"
	default:
		return "operation"
	}
}
