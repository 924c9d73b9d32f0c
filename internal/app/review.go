package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"planarian/api/internal/cave"
	"planarian/api/internal/changelog"
	"planarian/api/internal/email"
	"planarian/api/internal/lookup"
	"planarian/api/internal/rbac"
	"planarian/api/internal/search"
	"planarian/api/internal/store"
	"planarian/api/internal/util"
)

// ProposeChange stores a pending submission. A contributor has at most one
// open submission per existing cave; resubmitting replaces its graph.
func (s *Service) ProposeChange(ctx context.Context, session Session, input ProposeChangeInput) (map[string]any, error) {
	if !rbac.Can(session.Role, rbac.ActionPropose) {
		return nil, forbidden()
	}
	graph := input.Cave.Clone()
	if err := cave.Validate(graph); err != nil {
		return nil, err
	}
	graph.ID = strings.TrimSpace(graph.ID)
	graph.AccountID = session.AccountID
	graph.TruncateTimes(storedTimePrecision)
	now := s.now()

	if graph.ID == "" {
		for i, entrance := range graph.Entrances {
			if entrance.ID != "" {
				return nil, invalid("A new cave cannot reference existing entrances", map[string]any{
					"field": fmt.Sprintf("entrances[%d].id", i),
				})
			}
		}
		if err := s.checkReferences(ctx, session.AccountID, graph); err != nil {
			return nil, err
		}
		return s.createRequest(ctx, session, nil, store.TypeSubmission, *graph, input.Notes)
	}

	current, err := s.loadAccountCave(ctx, session, graph.ID)
	if err != nil {
		return nil, err
	}
	for i, entrance := range graph.Entrances {
		if entrance.ID != "" && current.EntranceByID(entrance.ID) == nil {
			return nil, invalid("Entrance does not belong to this cave", map[string]any{
				"field":      fmt.Sprintf("entrances[%d].id", i),
				"entranceId": entrance.ID,
			})
		}
	}
	if err := s.checkReferences(ctx, session.AccountID, graph); err != nil {
		return nil, err
	}

	caveID := graph.ID
	open, err := s.store.FindOpenChangeRequest(ctx, session.UserID, caveID, store.TypeSubmission)
	if err != nil {
		return nil, err
	}
	if open != nil {
		err := s.store.UpdatePendingChangeRequest(ctx, open.ID, *graph, input.Notes, now)
		switch {
		case err == nil:
			updated, err := s.store.GetChangeRequest(ctx, open.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"changeRequest": presentRequest(updated), "created": false}, nil
		case errors.Is(err, store.ErrNotPending):
			// Reviewed between the lookup and the update; start a new request.
		default:
			return nil, err
		}
	}
	return s.createRequest(ctx, session, &caveID, store.TypeSubmission, *graph, input.Notes)
}

// ProposeDeletion snapshots the live cave into a pending deletion request.
func (s *Service) ProposeDeletion(ctx context.Context, session Session, caveID string, input DeletionInput) (map[string]any, error) {
	if !rbac.Can(session.Role, rbac.ActionPropose) {
		return nil, forbidden()
	}
	current, err := s.loadAccountCave(ctx, session, caveID)
	if err != nil {
		return nil, err
	}

	open, err := s.store.FindOpenChangeRequest(ctx, session.UserID, caveID, store.TypeDeletion)
	if err != nil {
		return nil, err
	}
	if open != nil {
		if err := s.store.UpdatePendingChangeRequest(ctx, open.ID, *current, input.Notes, s.now()); err == nil {
			updated, err := s.store.GetChangeRequest(ctx, open.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"changeRequest": presentRequest(updated), "created": false}, nil
		} else if !errors.Is(err, store.ErrNotPending) {
			return nil, err
		}
	}
	return s.createRequest(ctx, session, &caveID, store.TypeDeletion, *current, input.Notes)
}

func (s *Service) createRequest(ctx context.Context, session Session, caveID *string, requestType store.ChangeRequestType, graph cave.Graph, notes *string) (map[string]any, error) {
	now := s.now()
	req := store.ChangeRequest{
		ID:                util.NewID("cr"),
		AccountID:         session.AccountID,
		CaveID:            caveID,
		Type:              requestType,
		Graph:             graph,
		Status:            store.StatusPending,
		SubmittedByUserID: session.UserID,
		SubmittedByName:   session.UserName,
		SubmittedOn:       now,
		Notes:             notes,
		UpdatedOn:         now,
	}
	if err := s.store.CreateChangeRequest(ctx, req); err != nil {
		return nil, err
	}
	return map[string]any{"changeRequest": presentRequest(req), "created": true}, nil
}

// storedTimePrecision is the resolution of Postgres timestamptz columns.
const storedTimePrecision = time.Microsecond

// checkReferences rejects county, state, and tag IDs the account cannot use.
func (s *Service) checkReferences(ctx context.Context, accountID string, graph *cave.Graph) error {
	problems, err := s.store.CheckReferences(ctx, accountID, graph)
	if err != nil {
		return fmt.Errorf("check references: %w", err)
	}
	if len(problems) > 0 {
		return &cave.ValidationError{Problems: problems}
	}
	return nil
}

type reviewOutcome struct {
	request store.ChangeRequest
	caveID  string
	entries int
}

// ReviewChange approves or rejects a pending request. Names are resolved
// before the transaction opens; the transaction itself re-reads the request
// under a row lock so only one reviewer can move it out of Pending.
func (s *Service) ReviewChange(ctx context.Context, session Session, requestID string, input ReviewInput) (map[string]any, error) {
	req, err := s.store.GetChangeRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.AccountID != session.AccountID {
		return nil, notFound("Change request not found")
	}
	if req.Status != store.StatusPending {
		return nil, conflict("Change request has already been reviewed", map[string]any{"status": req.Status})
	}

	var original *cave.Graph
	if req.CaveID != nil {
		original, err = s.store.GetCaveGraph(ctx, *req.CaveID)
		if err != nil {
			return nil, err
		}
	}
	if err := s.authorizeReview(ctx, session, req, original); err != nil {
		return nil, err
	}

	names := lookup.NewTable()
	if input.Approve {
		if req.Type != store.TypeDeletion {
			if err := s.checkReferences(ctx, req.AccountID, &req.Graph); err != nil {
				return nil, err
			}
		}
		names, err = lookup.Prefetch(ctx, s.names, original, &req.Graph)
		if err != nil {
			return nil, fmt.Errorf("resolve names: %w", err)
		}
	}

	var outcome reviewOutcome
	err = s.tx.InTx(ctx, func(tx reviewTx) error {
		locked, err := tx.LockChangeRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if locked.Status != store.StatusPending {
			return store.ErrNotPending
		}

		reviewedOn := s.now()
		review := store.Review{
			RequestID:        locked.ID,
			Status:           store.StatusRejected,
			ReviewedByUserID: session.UserID,
			ReviewedOn:       reviewedOn,
			Notes:            input.Notes,
		}
		outcome = reviewOutcome{request: locked}
		if input.Approve {
			review.Status = store.StatusApproved
			meta := changelog.Meta{
				AccountID:        locked.AccountID,
				ChangeRequestID:  locked.ID,
				ChangedByUserID:  locked.SubmittedByUserID,
				ApprovedByUserID: session.UserID,
				CreatedOn:        reviewedOn,
			}
			var entries []changelog.Entry
			switch locked.Type {
			case store.TypeDeletion:
				entries, err = s.applyDeletion(ctx, tx, locked, names, meta)
			default:
				entries, err = s.applySubmission(ctx, tx, locked, names, meta)
			}
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				review.CaveID = entries[0].CaveID
			}
			outcome.entries = len(entries)
		}
		if review.CaveID == "" && locked.CaveID != nil {
			review.CaveID = *locked.CaveID
		}
		if err := tx.UpdateChangeRequestReview(ctx, review); err != nil {
			return err
		}

		outcome.caveID = review.CaveID
		outcome.request.Status = review.Status
		outcome.request.ReviewedByUserID = &session.UserID
		outcome.request.ReviewedByName = session.UserName
		outcome.request.ReviewedOn = &reviewedOn
		outcome.request.Notes = input.Notes
		if review.CaveID != "" {
			caveID := review.CaveID
			outcome.request.CaveID = &caveID
		}
		return nil
	})
	if errors.Is(err, store.ErrNotPending) {
		return nil, conflict("Change request has already been reviewed", nil)
	}
	if err != nil {
		return nil, err
	}

	s.afterReview(context.WithoutCancel(ctx), outcome)
	return map[string]any{
		"changeRequest": presentRequest(outcome.request),
		"changes":       outcome.entries,
	}, nil
}

// authorizeReview requires manage rights on the cave and on every county the
// review touches, so moving a cave needs both the old and new county.
func (s *Service) authorizeReview(ctx context.Context, session Session, req store.ChangeRequest, original *cave.Graph) error {
	if !rbac.Can(session.Role, rbac.ActionManage) {
		return forbidden()
	}
	if s.authz == nil {
		return forbidden()
	}
	caveID := ""
	if req.CaveID != nil {
		caveID = *req.CaveID
	}
	type scope struct{ caveID, countyID string }
	scopes := []scope{{caveID: caveID, countyID: req.Graph.CountyID}}
	if original != nil && original.CountyID != req.Graph.CountyID {
		// A grant on the cave itself does not reach into the destination county.
		scopes = []scope{
			{caveID: caveID, countyID: original.CountyID},
			{caveID: "", countyID: req.Graph.CountyID},
		}
	}
	for _, sc := range scopes {
		err := s.authz.AuthorizeManage(ctx, session.AccountID, session.UserID, sc.caveID, sc.countyID)
		if errors.Is(err, rbac.ErrForbidden) {
			return forbidden()
		}
		if err != nil {
			return fmt.Errorf("authorize review: %w", err)
		}
	}
	return nil
}

func (s *Service) applySubmission(ctx context.Context, tx reviewTx, req store.ChangeRequest, names *lookup.Table, meta changelog.Meta) ([]changelog.Entry, error) {
	submitted := req.Graph.Clone()
	submitted.AccountID = req.AccountID
	submitted.ID = ""
	submitted.TruncateTimes(storedTimePrecision)

	var original *cave.Graph
	originalNames := names
	if req.CaveID != nil {
		submitted.ID = *req.CaveID
		loaded, err := tx.LoadCaveGraph(ctx, *req.CaveID)
		if err != nil {
			return nil, fmt.Errorf("load original cave: %w", err)
		}
		original = loaded

		recorded, err := tx.RecordedNames(ctx, *req.CaveID)
		if err != nil {
			return nil, err
		}
		if len(recorded) > 0 {
			originalNames = names.Clone()
			for _, name := range recorded {
				originalNames.Add(name.Kind, name.ID, name.Name)
			}
		}
	}

	result, err := tx.PersistCaveGraph(ctx, submitted)
	if err != nil {
		return nil, fmt.Errorf("persist cave: %w", err)
	}
	result.Apply(submitted)
	for _, tag := range result.Tags {
		names.Add(cave.LookupTag, tag.ID, tag.Name)
	}

	meta.CaveID = result.CaveID
	entries, err := changelog.Diff(meta, names, original, submitted,
		changelog.WithRenameStrategy(s.renames),
		changelog.WithOriginalNames(originalNames),
	)
	if err != nil {
		return nil, fmt.Errorf("diff cave: %w", err)
	}
	if err := tx.AppendHistory(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) applyDeletion(ctx context.Context, tx reviewTx, req store.ChangeRequest, names *lookup.Table, meta changelog.Meta) ([]changelog.Entry, error) {
	if req.CaveID == nil {
		return nil, invalid("Deletion request has no cave", nil)
	}
	original, err := tx.LoadCaveGraph(ctx, *req.CaveID)
	if err != nil {
		return nil, fmt.Errorf("load original cave: %w", err)
	}
	if err := tx.ArchiveCave(ctx, original.ID); err != nil {
		return nil, err
	}

	meta.CaveID = original.ID
	entries, err := changelog.Diff(meta, names, original, nil)
	if err != nil {
		return nil, fmt.Errorf("diff cave: %w", err)
	}
	if err := tx.AppendHistory(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// afterReview runs once the review has committed. Failures here never undo
// the review.
func (s *Service) afterReview(ctx context.Context, outcome reviewOutcome) {
	req := outcome.request
	if req.Status == store.StatusApproved && outcome.caveID != "" && s.search != nil {
		if req.Type == store.TypeDeletion {
			s.search.DeleteCave(ctx, outcome.caveID)
		} else if summary, err := s.store.GetCaveSummary(ctx, outcome.caveID); err != nil {
			log.Printf("review: load cave %s for indexing: %v", outcome.caveID, err)
		} else {
			s.search.IndexCave(ctx, search.CaveRecord{
				ID:             summary.ID,
				AccountID:      summary.AccountID,
				Name:           summary.Name,
				AlternateNames: summary.AlternateNames,
				CountyID:       summary.CountyID,
				CountyName:     summary.CountyName,
				StateName:      summary.StateName,
				Narrative:      summary.Narrative,
			})
		}
	}

	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	submitter, err := s.store.GetUser(ctx, req.SubmittedByUserID)
	if err != nil {
		log.Printf("review: load submitter %s: %v", req.SubmittedByUserID, err)
		return
	}
	if submitter.Email == "" {
		return
	}
	notes := ""
	if req.Notes != nil {
		notes = *req.Notes
	}
	err = s.mailer.SendReviewOutcomeEmail(submitter.Email, email.ReviewOutcomeData{
		AppName:      "Planarian",
		UserName:     submitter.DisplayName,
		CaveName:     req.Graph.Name,
		RequestType:  string(req.Type),
		Approved:     req.Status == store.StatusApproved,
		ReviewerName: req.ReviewedByName,
		Notes:        notes,
		ChangeCount:  outcome.entries,
	})
	if err != nil {
		log.Printf("review: notify %s about %s: %v", submitter.ID, req.ID, err)
	}
}
