package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"planarian/api/internal/authpw"
	"planarian/api/internal/cave"
	"planarian/api/internal/changelog"
	"planarian/api/internal/email"
	"planarian/api/internal/rbac"
	"planarian/api/internal/search"
	"planarian/api/internal/store"
)

func ptr[T any](v T) *T { return &v }

// memStore keeps caves, requests, and history in memory. InTx snapshots the
// whole state and restores it when the callback fails.
type memStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	caves    map[string]*cave.Graph
	archived map[string]*cave.Graph
	tags     map[string]string
	requests map[string]store.ChangeRequest
	history  []changelog.Entry
	seq      int

	counties map[string]countyRef
	states   map[string]struct{}
	refTags  map[string]tagRef

	appendHistoryErr error
	onLock           func(*store.ChangeRequest)
	onAppendHistory  func()
	pingErr          error
}

type countyRef struct {
	accountID string
	stateID   string
}

type tagRef struct {
	kind      cave.TagKind
	accountID string
}

func newMemStore() *memStore {
	return &memStore{
		users: map[string]store.User{
			"user-1": {ID: "user-1", AccountID: "acct-1", DisplayName: "Casey Contributor", Email: "casey@example.com"},
			"user-2": {ID: "user-2", AccountID: "acct-1", DisplayName: "Morgan Manager", Email: "morgan@example.com"},
			"user-9": {ID: "user-9", AccountID: "acct-2", DisplayName: "Other Account"},
		},
		caves:    map[string]*cave.Graph{},
		archived: map[string]*cave.Graph{},
		tags:     map[string]string{},
		requests: map[string]store.ChangeRequest{},
		counties: map[string]countyRef{
			"cty-1": {accountID: "acct-1", stateID: "st-tn"},
			"cty-2": {accountID: "acct-1", stateID: "st-tn"},
			"cty-9": {accountID: "acct-2", stateID: "st-tn"},
		},
		states: map[string]struct{}{"st-tn": {}},
		refTags: map[string]tagRef{
			"geo-1":       {kind: cave.TagGeology},
			"geo-2":       {kind: cave.TagGeology},
			"geo-unknown": {kind: cave.TagGeology},
			"geo-9":       {kind: cave.TagGeology, accountID: "acct-2"},
			"lq-1":        {kind: cave.TagLocationQuality},
		},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) seedCave(g *cave.Graph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caves[g.ID] = g.Clone()
}

func (m *memStore) cave(id string) *cave.Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.caves[id]; ok {
		return g.Clone()
	}
	return nil
}

func (m *memStore) request(id string) store.ChangeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[id]
}

func (m *memStore) historyRows() []changelog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]changelog.Entry(nil), m.history...)
}

func (m *memStore) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *memStore) GetUser(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) CreateChangeRequest(_ context.Context, req store.ChangeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("duplicate change request %s", req.ID)
	}
	m.requests[req.ID] = req
	return nil
}

func (m *memStore) FindOpenChangeRequest(_ context.Context, userID, caveID string, requestType store.ChangeRequestType) (*store.ChangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.SubmittedByUserID == userID && req.CaveID != nil && *req.CaveID == caveID &&
			req.Type == requestType && req.Status == store.StatusPending {
			found := req
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdatePendingChangeRequest(_ context.Context, requestID string, graph cave.Graph, notes *string, submittedOn time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return sql.ErrNoRows
	}
	if req.Status != store.StatusPending {
		return store.ErrNotPending
	}
	req.Graph = graph
	req.Notes = notes
	req.SubmittedOn = submittedOn
	req.UpdatedOn = submittedOn
	m.requests[requestID] = req
	return nil
}

func (m *memStore) GetChangeRequest(_ context.Context, requestID string) (store.ChangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return store.ChangeRequest{}, sql.ErrNoRows
	}
	return req, nil
}

func (m *memStore) ListChangeRequests(_ context.Context, accountID string, status store.ChangeRequestStatus) ([]store.ChangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ChangeRequest
	for _, req := range m.requests {
		if req.AccountID != accountID || (status != "" && req.Status != status) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedOn.After(out[j].SubmittedOn) })
	return out, nil
}

func (m *memStore) GetCaveGraph(_ context.Context, caveID string) (*cave.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.caves[caveID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return g.Clone(), nil
}

func (m *memStore) ListHistory(_ context.Context, caveID string) ([]store.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []store.HistoryRecord
	for _, req := range m.requests {
		if req.Status != store.StatusApproved || req.CaveID == nil || *req.CaveID != caveID {
			continue
		}
		record := store.HistoryRecord{Request: req}
		for _, entry := range m.history {
			if entry.ChangeRequestID == req.ID {
				record.Entries = append(record.Entries, entry)
			}
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Request.ReviewedOn.After(*records[j].Request.ReviewedOn)
	})
	return records, nil
}

func (m *memStore) GetCaveSummary(_ context.Context, caveID string) (store.CaveSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.caves[caveID]
	if !ok {
		return store.CaveSummary{}, sql.ErrNoRows
	}
	return store.CaveSummary{
		ID:             g.ID,
		AccountID:      g.AccountID,
		Name:           g.Name,
		AlternateNames: g.AlternateNames,
		CountyID:       g.CountyID,
		StateID:        g.StateID,
	}, nil
}

func (m *memStore) CheckReferences(_ context.Context, accountID string, g *cave.Graph) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var problems []string
	county, ok := m.counties[g.CountyID]
	if !ok || county.accountID != accountID {
		problems = append(problems, fmt.Sprintf("countyId %q is not a county in this account", g.CountyID))
	}
	if _, known := m.states[g.StateID]; !known {
		problems = append(problems, fmt.Sprintf("stateId %q is not a known state", g.StateID))
	} else if ok && county.stateID != g.StateID {
		problems = append(problems, fmt.Sprintf("stateId %q does not match the county's state", g.StateID))
	}

	check := func(kind cave.TagKind, id string) {
		if kind.AcceptsLiterals() || id == "" {
			return
		}
		tag, known := m.refTags[id]
		if !known || tag.kind != kind || (tag.accountID != "" && tag.accountID != accountID) {
			problems = append(problems, fmt.Sprintf("%s tag %q is not available in this account", kind, id))
		}
	}
	for _, collection := range g.TagCollections() {
		for _, id := range *collection.IDs {
			check(collection.Kind, id)
		}
	}
	for i := range g.Entrances {
		entrance := &g.Entrances[i]
		if entrance.LocationQualityTagID != nil {
			check(cave.TagLocationQuality, *entrance.LocationQualityTagID)
		}
		for _, collection := range entrance.TagCollections() {
			for _, id := range *collection.IDs {
				check(collection.Kind, id)
			}
		}
	}
	return problems, nil
}

func (m *memStore) Ping(context.Context) error {
	return m.pingErr
}

type memSnapshot struct {
	caves    map[string]*cave.Graph
	archived map[string]*cave.Graph
	tags     map[string]string
	requests map[string]store.ChangeRequest
	history  []changelog.Entry
}

func (m *memStore) InTx(ctx context.Context, fn func(reviewTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := memSnapshot{
		caves:    map[string]*cave.Graph{},
		archived: map[string]*cave.Graph{},
		tags:     map[string]string{},
		requests: map[string]store.ChangeRequest{},
		history:  append([]changelog.Entry(nil), m.history...),
	}
	for id, g := range m.caves {
		saved.caves[id] = g.Clone()
	}
	for id, g := range m.archived {
		saved.archived[id] = g.Clone()
	}
	for id, name := range m.tags {
		saved.tags[id] = name
	}
	for id, req := range m.requests {
		saved.requests[id] = req
	}

	err := fn(&memTx{m: m})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.caves = saved.caves
		m.archived = saved.archived
		m.tags = saved.tags
		m.requests = saved.requests
		m.history = saved.history
		return err
	}
	return nil
}

// memTx runs with memStore.mu held by InTx.
type memTx struct {
	m *memStore
}

func (t *memTx) LockChangeRequest(_ context.Context, requestID string) (store.ChangeRequest, error) {
	req, ok := t.m.requests[requestID]
	if !ok {
		return store.ChangeRequest{}, sql.ErrNoRows
	}
	if t.m.onLock != nil {
		t.m.onLock(&req)
		t.m.requests[requestID] = req
	}
	return req, nil
}

func (t *memTx) UpdateChangeRequestReview(_ context.Context, review store.Review) error {
	req, ok := t.m.requests[review.RequestID]
	if !ok || req.Status != store.StatusPending {
		return store.ErrNotPending
	}
	req.Status = review.Status
	req.ReviewedByUserID = ptr(review.ReviewedByUserID)
	req.ReviewedByName = t.m.users[review.ReviewedByUserID].DisplayName
	req.ReviewedOn = ptr(review.ReviewedOn)
	req.Notes = review.Notes
	if review.CaveID != "" {
		req.CaveID = ptr(review.CaveID)
	}
	t.m.requests[review.RequestID] = req
	return nil
}

func (t *memTx) LoadCaveGraph(_ context.Context, caveID string) (*cave.Graph, error) {
	g, ok := t.m.caves[caveID]
	if !ok {
		return nil, fmt.Errorf("load cave %s: %w", caveID, sql.ErrNoRows)
	}
	return g.Clone(), nil
}

func (t *memTx) PersistCaveGraph(_ context.Context, submitted *cave.Graph) (store.PersistResult, error) {
	g := submitted.Clone()
	var existing *cave.Graph
	if g.ID == "" {
		g.ID = t.m.nextID("cave")
	} else if existing = t.m.caves[g.ID]; existing == nil {
		return store.PersistResult{}, fmt.Errorf("update cave %s: %w", g.ID, sql.ErrNoRows)
	}

	result := store.PersistResult{CaveID: g.ID}
	for i := range g.Entrances {
		id := g.Entrances[i].ID
		if id == "" {
			id = t.m.nextID("ent")
			g.Entrances[i].ID = id
		} else if existing.EntranceByID(id) == nil {
			return store.PersistResult{}, store.ErrUnknownEntrance
		}
		result.EntranceIDs = append(result.EntranceIDs, id)
	}

	resolve := func(collections []cave.TagCollection) {
		for _, collection := range collections {
			if !collection.Kind.AcceptsLiterals() {
				continue
			}
			for i, value := range *collection.IDs {
				if _, known := t.m.tags[value]; known {
					continue
				}
				id := t.m.nextID("tag")
				t.m.tags[id] = value
				(*collection.IDs)[i] = id
				result.Tags = append(result.Tags, store.ResolvedTag{
					Kind: collection.Kind, Literal: value, ID: id, Name: value, Created: true,
				})
			}
		}
	}
	resolve(g.TagCollections())
	for i := range g.Entrances {
		resolve(g.Entrances[i].TagCollections())
	}

	t.m.caves[g.ID] = g
	return result, nil
}

func (t *memTx) ArchiveCave(_ context.Context, caveID string) error {
	g, ok := t.m.caves[caveID]
	if !ok {
		return fmt.Errorf("archive cave %s: %w", caveID, sql.ErrNoRows)
	}
	t.m.archived[caveID] = g
	delete(t.m.caves, caveID)
	return nil
}

func (t *memTx) AppendHistory(ctx context.Context, entries []changelog.Entry) error {
	if t.m.onAppendHistory != nil {
		t.m.onAppendHistory()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.m.appendHistoryErr != nil {
		return t.m.appendHistoryErr
	}
	t.m.history = append(t.m.history, entries...)
	return nil
}

func (t *memTx) RecordedNames(_ context.Context, caveID string) ([]store.RecordedName, error) {
	latest := map[string]store.RecordedName{}
	var order []string
	for _, entry := range t.m.history {
		kind, ok := entry.Property.LookupKind()
		name, isString := entry.Value.(changelog.String)
		if entry.CaveID != caveID || !ok || !isString || entry.PropertyID == "" {
			continue
		}
		key := string(entry.Property) + "/" + entry.PropertyID
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = store.RecordedName{Kind: kind, ID: entry.PropertyID, Name: string(name)}
	}
	out := make([]store.RecordedName, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out, nil
}

type fakeResolver struct {
	mu    sync.Mutex
	names map[cave.LookupKind]map[string]string
	calls int
}

func (f *fakeResolver) LookupNames(_ context.Context, kind cave.LookupKind, ids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := map[string]string{}
	for _, id := range ids {
		if name, ok := f.names[kind][id]; ok {
			out[id] = name
		}
	}
	return out, nil
}

type fakeChecker struct {
	mu    sync.Mutex
	calls []string
	fn    func(accountID, userID, caveID, countyID string) error
}

func (f *fakeChecker) AuthorizeManage(_ context.Context, accountID, userID, caveID, countyID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, caveID+"/"+countyID)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(accountID, userID, caveID, countyID)
	}
	return nil
}

type fakeIndex struct {
	mu       sync.Mutex
	indexed  []search.CaveRecord
	deleted  []string
	searchFn func(search.Query) search.Response
}

func (f *fakeIndex) Search(_ context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeIndex) IndexCave(_ context.Context, record search.CaveRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record)
}

func (f *fakeIndex) DeleteCave(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type sentEmail struct {
	to   string
	data email.ReviewOutcomeData
}

type fakeMailer struct {
	sent   []sentEmail
	sendFn func(string, email.ReviewOutcomeData) error
}

func (f *fakeMailer) IsConfigured() bool { return true }

func (f *fakeMailer) SendReviewOutcomeEmail(to string, data email.ReviewOutcomeData) error {
	f.sent = append(f.sent, sentEmail{to: to, data: data})
	if f.sendFn != nil {
		return f.sendFn(to, data)
	}
	return nil
}

type fakePasswords struct {
	signInFn func(email, password string) (*authpw.SignInResponse, error)
	changed  []string
}

func (f *fakePasswords) SignIn(_ context.Context, email, password string) (*authpw.SignInResponse, error) {
	if f.signInFn != nil {
		return f.signInFn(email, password)
	}
	return nil, authpw.ErrInvalidCredentials
}

func (f *fakePasswords) ChangePassword(_ context.Context, userID, currentPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return authpw.ErrWeakPassword
	}
	if currentPassword != "old password" {
		return authpw.ErrInvalidCredentials
	}
	f.changed = append(f.changed, userID)
	return nil
}

type testDeps struct {
	store    *memStore
	resolver *fakeResolver
	authz    *fakeChecker
	index    *fakeIndex
	mailer    *fakeMailer
	passwords *fakePasswords
}

func newTestService(t *testing.T) (*Service, *testDeps) {
	t.Helper()
	deps := &testDeps{
		store: newMemStore(),
		resolver: &fakeResolver{names: map[cave.LookupKind]map[string]string{
			cave.LookupCounty: {"cty-1": "Marion", "cty-2": "Franklin"},
			cave.LookupState:  {"st-tn": "Tennessee"},
			cave.LookupTag:    {"geo-1": "Limestone", "geo-2": "Dolomite"},
		}},
		authz:  &fakeChecker{},
		index:  &fakeIndex{},
		mailer:    &fakeMailer{},
		passwords: &fakePasswords{},
	}
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := &Service{
		store:   deps.store,
		tx:      deps.store,
		names:   deps.resolver,
		authz:   deps.authz,
		search:  deps.index,
		passwords: deps.passwords,
		mailer:  deps.mailer,
		renames: changelog.NoRename,
		now: func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		},
	}
	return svc, deps
}

func contributor() Session {
	return Session{UserID: "user-1", UserName: "Casey Contributor", AccountID: "acct-1", Role: rbac.RoleContributor}
}

func manager() Session {
	return Session{UserID: "user-2", UserName: "Morgan Manager", AccountID: "acct-1", Role: rbac.RoleManager}
}

func seedGraph() *cave.Graph {
	return &cave.Graph{
		ID:            "cave-1",
		AccountID:     "acct-1",
		Name:          "Old Cave",
		CountyID:      "cty-1",
		StateID:       "st-tn",
		LengthFeet:    ptr(1200.0),
		GeologyTagIDs: []string{"geo-1"},
		Entrances: []cave.Entrance{
			{ID: "ent-1", Name: ptr("Main"), IsPrimary: true, Latitude: ptr(35.1), Longitude: ptr(-85.6)},
		},
	}
}
