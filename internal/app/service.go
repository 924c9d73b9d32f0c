package app

import (
	"context"
	"strings"
	"time"

	"planarian/api/internal/auth"
	"planarian/api/internal/authpw"
	"planarian/api/internal/cave"
	"planarian/api/internal/changelog"
	"planarian/api/internal/config"
	"planarian/api/internal/email"
	"planarian/api/internal/lookup"
	"planarian/api/internal/rbac"
	"planarian/api/internal/search"
	"planarian/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	AccountID string
	Role      rbac.Role
	ExpiresAt time.Time
}

type ProposeChangeInput struct {
	Cave  cave.Graph `json:"cave"`
	Notes *string    `json:"notes"`
}

type ReviewInput struct {
	Approve bool    `json:"approve"`
	Notes   *string `json:"notes"`
}

type DeletionInput struct {
	Notes *string `json:"notes"`
}

type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type dataStore interface {
	GetUser(context.Context, string) (store.User, error)
	CreateChangeRequest(context.Context, store.ChangeRequest) error
	FindOpenChangeRequest(context.Context, string, string, store.ChangeRequestType) (*store.ChangeRequest, error)
	UpdatePendingChangeRequest(context.Context, string, cave.Graph, *string, time.Time) error
	GetChangeRequest(context.Context, string) (store.ChangeRequest, error)
	ListChangeRequests(context.Context, string, store.ChangeRequestStatus) ([]store.ChangeRequest, error)
	GetCaveGraph(context.Context, string) (*cave.Graph, error)
	ListHistory(context.Context, string) ([]store.HistoryRecord, error)
	GetCaveSummary(context.Context, string) (store.CaveSummary, error)
	CheckReferences(context.Context, string, *cave.Graph) ([]string, error)
	Ping(ctx context.Context) error
}

// reviewTx is the write surface available inside a review transaction.
type reviewTx interface {
	LockChangeRequest(context.Context, string) (store.ChangeRequest, error)
	UpdateChangeRequestReview(context.Context, store.Review) error
	LoadCaveGraph(context.Context, string) (*cave.Graph, error)
	PersistCaveGraph(context.Context, *cave.Graph) (store.PersistResult, error)
	ArchiveCave(context.Context, string) error
	AppendHistory(context.Context, []changelog.Entry) error
	RecordedNames(context.Context, string) ([]store.RecordedName, error)
}

type transactor interface {
	InTx(context.Context, func(reviewTx) error) error
}

type pgTransactor struct {
	pg *store.PostgresStore
}

func (t pgTransactor) InTx(ctx context.Context, fn func(reviewTx) error) error {
	return t.pg.WithTx(ctx, func(tx *store.Tx) error {
		return fn(tx)
	})
}

type manageChecker interface {
	AuthorizeManage(context.Context, string, string, string, string) error
}

type caveIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexCave(context.Context, search.CaveRecord)
	DeleteCave(context.Context, string)
}

type notifier interface {
	IsConfigured() bool
	SendReviewOutcomeEmail(string, email.ReviewOutcomeData) error
}

type passwordAuth interface {
	SignIn(context.Context, string, string) (*authpw.SignInResponse, error)
	ChangePassword(context.Context, string, string, string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	tx        transactor
	names     lookup.Resolver
	authz     manageChecker
	passwords passwordAuth
	search    caveIndex
	mailer    notifier
	renames   changelog.RenameStrategy
	now       func() time.Time
}

// New wires the service to Postgres. names is usually a lookup.RedisCache in
// front of the same store.
func New(cfg config.Config, pg *store.PostgresStore, names lookup.Resolver, searchService *search.Service, mailer *email.Service) *Service {
	if names == nil {
		names = pg
	}
	service := &Service{
		cfg:       cfg,
		store:     pg,
		tx:        pgTransactor{pg: pg},
		names:     names,
		authz:     rbac.NewChecker(pg),
		passwords: authpw.NewService(pg, cfg.JWTSecret, cfg.TokenTTL),
		renames:   changelog.RenameStrategyFor(cfg.TagSwapAsRename),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if searchService != nil {
		service.search = searchService
	}
	if mailer != nil {
		service.mailer = mailer
	}
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUser(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}
	if user.AccountID != claims.AccountID {
		return Session{}, auth.ErrInvalidToken
	}

	session := Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		AccountID: user.AccountID,
		Role:      rbac.Normalize(claims.Role),
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) SignIn(ctx context.Context, input SignInInput) (map[string]any, error) {
	result, err := s.passwords.SignIn(ctx, input.Email, input.Password)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.UTC().Format(time.RFC3339),
		"role":      result.Role,
		"user": map[string]any{
			"id":        result.User.ID,
			"name":      result.User.DisplayName,
			"email":     result.User.Email,
			"accountId": result.User.AccountID,
		},
	}, nil
}

func (s *Service) ChangePassword(ctx context.Context, session Session, input ChangePasswordInput) error {
	return s.passwords.ChangePassword(ctx, session.UserID, input.CurrentPassword, input.NewPassword)
}

func (s *Service) GetCave(ctx context.Context, session Session, caveID string) (map[string]any, error) {
	if !rbac.Can(session.Role, rbac.ActionRead) {
		return nil, forbidden()
	}
	graph, err := s.loadAccountCave(ctx, session, caveID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cave": graph}, nil
}

func (s *Service) SearchCaves(ctx context.Context, session Session, text, countyID string, limit, offset int) (search.Response, error) {
	if !rbac.Can(session.Role, rbac.ActionRead) {
		return search.Response{}, forbidden()
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:      strings.TrimSpace(text),
		AccountID: session.AccountID,
		CountyID:  countyID,
		Limit:     limit,
		Offset:    offset,
	}), nil
}

func (s *Service) GetChangeRequest(ctx context.Context, session Session, requestID string) (map[string]any, error) {
	if !rbac.Can(session.Role, rbac.ActionRead) {
		return nil, forbidden()
	}
	req, err := s.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.AccountID != session.AccountID {
		return nil, notFound("Change request not found")
	}
	return map[string]any{"changeRequest": presentRequest(req)}, nil
}

func (s *Service) ListChangeRequests(ctx context.Context, session Session, status string) (map[string]any, error) {
	if !rbac.Can(session.Role, rbac.ActionRead) {
		return nil, forbidden()
	}
	filter := store.ChangeRequestStatus(status)
	switch filter {
	case "", store.StatusPending, store.StatusApproved, store.StatusRejected:
	default:
		return nil, invalid("status must be Pending, Approved, or Rejected", map[string]any{"status": status})
	}

	requests, err := s.store.ListChangeRequests(ctx, session.AccountID, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		items = append(items, presentRequest(req))
	}
	return map[string]any{"changeRequests": items}, nil
}

func (s *Service) loadAccountCave(ctx context.Context, session Session, caveID string) (*cave.Graph, error) {
	graph, err := s.store.GetCaveGraph(ctx, caveID)
	if err != nil {
		return nil, err
	}
	if graph.AccountID != session.AccountID {
		return nil, notFound("Cave not found")
	}
	return graph, nil
}

func presentRequest(req store.ChangeRequest) map[string]any {
	out := map[string]any{
		"id":          req.ID,
		"caveId":      req.CaveID,
		"type":        req.Type,
		"status":      req.Status,
		"cave":        req.Graph,
		"submittedBy": map[string]any{"id": req.SubmittedByUserID, "name": req.SubmittedByName},
		"submittedOn": req.SubmittedOn.UTC().Format(time.RFC3339),
		"notes":       req.Notes,
		"reviewedBy":  nil,
		"reviewedOn":  nil,
		"updatedOn":   req.UpdatedOn.UTC().Format(time.RFC3339),
	}
	if req.ReviewedByUserID != nil {
		out["reviewedBy"] = map[string]any{"id": *req.ReviewedByUserID, "name": req.ReviewedByName}
	}
	if req.ReviewedOn != nil {
		out["reviewedOn"] = req.ReviewedOn.UTC().Format(time.RFC3339)
	}
	return out
}
