package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"salescoach/api/internal/auth"
	"salescoach/api/internal/config"
	"salescoach/api/internal/content"
	"salescoach/api/internal/metrics"
	"salescoach/api/internal/rbac"
	"salescoach/api/internal/search"
	"salescoach/api/internal/store"
)

// Session is the verified identity behind a request or connection.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	TeamID    string
	JTI       string
	ExpiresAt time.Time
}

// ContentStore is the durable record store. PostgresStore and MemoryStore
// both satisfy it.
type ContentStore interface {
	ListActive(context.Context, string) ([]content.Record, time.Time, error)
	ListSince(context.Context, string, time.Time, int) ([]content.Record, bool, time.Time, error)
	Put(context.Context, string, content.Kind, string, json.RawMessage) (content.Record, content.Action, error)
	SoftDelete(context.Context, string, content.Kind, string) (content.Record, bool, error)
	Search(context.Context, string, string, int) ([]content.Record, error)
	Ping(ctx context.Context) error
}

// RevocationStore remembers revoked credential ids until they expire.
type RevocationStore interface {
	Revoke(ctx context.Context, jti, reason string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Service is the authoritative sync server: it answers sync queries and
// fans mutations out to team rooms.
type Service struct {
	cfg         config.Config
	store       ContentStore
	verifier    *auth.Verifier
	revocations RevocationStore
	search      *search.Service
	hub         *Hub
	log         zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	// publishMu keeps store write order and broadcast order identical.
	publishMu sync.Mutex
}

func New(cfg config.Config, dataStore ContentStore, revocations RevocationStore, searchService *search.Service, log zerolog.Logger, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		verifier:    auth.NewVerifier([]byte(cfg.JWTSecret)),
		revocations: revocations,
		search:      searchService,
		hub:         NewHub(cfg.SendQueueSize, log, m),
		log:         log,
		metrics:     m,
		now:         time.Now,
	}
}

func (s *Service) Hub() *Hub {
	return s.hub
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// SessionFromToken verifies a bearer credential. Any failure maps to
// auth.ErrInvalidToken or auth.ErrExpiredToken so callers refuse admission
// without partial state.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return Session{}, err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.JTI)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      string(rbac.Normalize(claims.Role)),
		TeamID:    claims.TeamID,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// FullSync returns every active record of the team. SyncedAt is the team's
// high-water mark, which covers tombstones too.
func (s *Service) FullSync(ctx context.Context, teamID string) (content.SyncResponse, error) {
	started := time.Now()
	records, highWater, err := s.store.ListActive(ctx, teamID)
	s.observeSync("full", started, err)
	if err != nil {
		return content.SyncResponse{}, err
	}
	return content.NewSyncResponse(records, highWater), nil
}

// IncrementalSync returns records changed after since, tombstones included.
// A truncated page reports HasMore and a SyncedAt equal to its last record
// so the caller can continue from there. A watermark older than retained
// history is refused unless the team has not changed since it.
func (s *Service) IncrementalSync(ctx context.Context, teamID string, since time.Time, limit int) (content.SyncResponse, error) {
	started := time.Now()
	if limit <= 0 || (s.cfg.SyncPageLimit > 0 && limit > s.cfg.SyncPageLimit) {
		limit = s.cfg.SyncPageLimit
	}

	records, hasMore, highWater, err := s.store.ListSince(ctx, teamID, since, limit)
	if err == nil && s.watermarkExpired(since) && since.Before(highWater) {
		err = ErrWatermarkExpired
	}
	s.observeSync("incremental", started, err)
	if err != nil {
		return content.SyncResponse{}, err
	}

	syncedAt := highWater
	if hasMore && len(records) > 0 {
		syncedAt = records[len(records)-1].UpdatedAt
	}
	if syncedAt.Before(since) {
		syncedAt = since
	}
	resp := content.NewSyncResponse(records, syncedAt)
	resp.HasMore = hasMore
	return resp, nil
}

func (s *Service) watermarkExpired(since time.Time) bool {
	return s.cfg.HistoryRetention > 0 && !since.IsZero() && since.Before(s.now().Add(-s.cfg.HistoryRetention))
}

func (s *Service) observeSync(mode string, started time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrWatermarkExpired):
		status = "expired"
	case err != nil:
		status = "error"
	}
	s.metrics.SyncRequestsTotal.WithLabelValues(mode, status).Inc()
	s.metrics.SyncDuration.WithLabelValues(mode).Observe(time.Since(started).Seconds())
}

// Mutate writes a record through the content store and broadcasts it.
func (s *Service) Mutate(ctx context.Context, teamID string, kind content.Kind, id string, payload json.RawMessage) (content.Record, content.Action, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return content.Record{}, "", validationError("id is required")
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	record, action, err := s.store.Put(ctx, teamID, kind, id, payload)
	if err != nil {
		return content.Record{}, "", mapStoreError(err)
	}
	s.publishLocked(record, action)
	return record, action, nil
}

// Delete tombstones a record and broadcasts the deletion. Deleting an
// existing tombstone is a no-op.
func (s *Service) Delete(ctx context.Context, teamID string, kind content.Kind, id string) (content.Record, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	record, changed, err := s.store.SoftDelete(ctx, teamID, kind, id)
	if err != nil {
		return content.Record{}, mapStoreError(err)
	}
	if changed {
		s.publishLocked(record, content.ActionDeleted)
	}
	return record, nil
}

// OnMutation broadcasts a write that already succeeded in the content store.
func (s *Service) OnMutation(record content.Record, action content.Action) error {
	if strings.TrimSpace(record.TeamID) == "" || strings.TrimSpace(record.ID) == "" {
		return validationError("record teamId and id are required")
	}
	if _, err := content.ParseKind(string(record.Kind)); err != nil {
		return validationError(err.Error())
	}
	switch action {
	case content.ActionCreated, content.ActionUpdated, content.ActionDeleted:
	default:
		return validationError("action must be created, updated or deleted")
	}
	if action == content.ActionDeleted {
		record.Active = false
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.publishLocked(record, action)
	return nil
}

func (s *Service) publishLocked(record content.Record, action content.Action) {
	event := content.EventFor(record, action)
	delivered := s.hub.Broadcast(record.TeamID, event)
	s.search.Index(record)
	s.log.Info().
		Str("team", record.TeamID).
		Str("kind", string(record.Kind)).
		Str("id", record.ID).
		Str("action", string(event.Action)).
		Int("delivered", delivered).
		Msg("content change broadcast")
}

// RevokeCredential blocks future admissions for jti and drops its live
// connections.
func (s *Service) RevokeCredential(ctx context.Context, jti, reason string, expiresAt time.Time) (int, error) {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return 0, validationError("jti is required")
	}
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(24 * time.Hour)
	}
	if s.revocations != nil {
		if err := s.revocations.Revoke(ctx, jti, reason, expiresAt); err != nil {
			return 0, err
		}
	}
	dropped := s.hub.DisconnectCredential(jti)
	s.log.Info().Str("jti", jti).Int("dropped", dropped).Msg("credential revoked")
	return dropped, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// ReindexTeam pushes every active record of a team into the search index.
func (s *Service) ReindexTeam(ctx context.Context, teamID string) (int, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return 0, validationError("teamId is required")
	}
	records, _, err := s.store.ListActive(ctx, teamID)
	if err != nil {
		return 0, err
	}
	s.search.Reindex(records)
	s.log.Info().Str("team", teamID).Int("records", len(records)).Msg("team reindexed")
	return len(records), nil
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Record not found", nil)
	case errors.Is(err, store.ErrKindConflict):
		return domainError(http.StatusConflict, "KIND_CONFLICT", "Record id already used by another kind", nil)
	case errors.Is(err, store.ErrBadPayload):
		return validationError("payload must be a JSON object")
	default:
		return err
	}
}
