package credstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

// Presented keys look like mhk_<key id>_<secret>. The id part allows a direct
// lookup so verification is a single hash compare, not a table scan.
const keyPrefix = "mhk"

// IssuedKey carries the plaintext exactly once, at creation. It is never
// retrievable again.
type IssuedKey struct {
	ID        string
	PluginID  string
	Plaintext string
	ExpiresAt time.Time
}

// IssueKey creates an API key for a plugin with the given scopes.
// ttl <= 0 means no expiry.
func (s *Service) IssueKey(ctx context.Context, pluginID string, scopes []Scope, ttl time.Duration) (IssuedKey, error) {
	if strings.TrimSpace(pluginID) == "" {
		return IssuedKey{}, errors.New("plugin id is required")
	}
	if len(scopes) == 0 {
		return IssuedKey{}, errors.New("at least one scope is required")
	}
	strs := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		if _, ok := ParseScope(string(sc)); !ok {
			return IssuedKey{}, fmt.Errorf("unknown scope %q", sc)
		}
		strs = append(strs, string(sc))
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return IssuedKey{}, err
	}
	secretStr := base64.RawURLEncoding.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secretStr), bcrypt.DefaultCost)
	if err != nil {
		return IssuedKey{}, err
	}

	rec := storage.APIKeyRecord{
		ID:        uuid.NewString(),
		PluginID:  pluginID,
		Hash:      string(hash),
		Scopes:    strs,
		CreatedAt: s.now(),
	}
	if ttl > 0 {
		rec.ExpiresAt = rec.CreatedAt.Add(ttl)
	}
	if err := s.store.InsertAPIKey(ctx, rec); err != nil {
		return IssuedKey{}, err
	}

	s.log.Info("api key issued", logx.String("key", rec.ID), logx.String("plugin", pluginID),
		logx.String("scopes", strings.Join(strs, ",")))
	return IssuedKey{
		ID:        rec.ID,
		PluginID:  pluginID,
		Plaintext: keyPrefix + "_" + rec.ID + "_" + secretStr,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// VerifyKey authenticates a presented key. Rejections are uniform
// ErrUnauthorized; failed attempts consume the per-source failure budget and
// a drained budget rejects before any hash work is done.
func (s *Service) VerifyKey(ctx context.Context, presented, source string) (storage.APIKeyRecord, error) {
	lim := s.failLimiter(source)
	if lim.Tokens() < 1 {
		s.log.Warn("key verification throttled", logx.String("source", source))
		return storage.APIKeyRecord{}, fmt.Errorf("%w: too many failed attempts", ErrUnauthorized)
	}

	fail := func(reason string) (storage.APIKeyRecord, error) {
		lim.Allow()
		return storage.APIKeyRecord{}, fmt.Errorf("%w: %s", ErrUnauthorized, reason)
	}

	parts := strings.Split(strings.TrimSpace(presented), "_")
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return fail("malformed key")
	}
	rec, err := s.store.GetAPIKey(ctx, parts[1])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fail("unknown key")
		}
		return storage.APIKeyRecord{}, err
	}
	if rec.Revoked {
		return fail("key revoked")
	}
	if !rec.ExpiresAt.IsZero() && s.now().After(rec.ExpiresAt) {
		return fail("key expired")
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(parts[2])) != nil {
		return fail("bad secret")
	}

	// Usage tracking is best-effort; a write failure must not fail the call.
	if err := s.store.TouchAPIKey(ctx, rec.ID, s.now()); err != nil {
		s.log.Warn("api key usage update failed", logx.String("key", rec.ID), logx.Err(err))
	}
	return rec, nil
}

// RevokeKey permanently disables a key. Irreversible; the record is kept for
// the audit trail.
func (s *Service) RevokeKey(ctx context.Context, id string) error {
	if err := s.store.RevokeAPIKey(ctx, id); err != nil {
		return err
	}
	s.log.Info("api key revoked", logx.String("key", id))
	return nil
}

func (s *Service) ListKeys(ctx context.Context, pluginID string) ([]storage.APIKeyRecord, error) {
	return s.store.ListAPIKeys(ctx, pluginID)
}

// HasScope reports whether a verified key grants the scope.
func HasScope(rec storage.APIKeyRecord, scope Scope) bool {
	for _, s := range rec.Scopes {
		if s == string(scope) {
			return true
		}
	}
	return false
}
