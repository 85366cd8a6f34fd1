package resolution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/kb"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/kbagent"
	"github.com/ashita-ai/sapphire/internal/service/sla"
	"github.com/ashita-ai/sapphire/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type memStore struct {
	mu sync.Mutex

	priorAttempts int
	attemptErr    error
	attemptArgs   []string
	priorCases    []storage.PriorCase
	priorErr      error
	recordErr     error

	records   []storage.ResolutionRecord
	audits    []storage.AuditEntry
	cases     map[uuid.UUID]model.Case
	messages  []model.CaseMessage
	slaEvents []storage.SLAEventInsert
	feedback  map[uuid.UUID]model.SupportAILog
	intakes   []model.IntakeEvent
	crm       []model.CRMEvent
	forwarded []uuid.UUID

	classifications map[uuid.UUID][]model.Classification
	artifacts       []model.AIArtifact
	entitlements    map[uuid.UUID]model.Entitlements
}

func newMemStore() *memStore {
	return &memStore{
		cases:           map[uuid.UUID]model.Case{},
		feedback:        map[uuid.UUID]model.SupportAILog{},
		classifications: map[uuid.UUID][]model.Classification{},
		entitlements:    map[uuid.UUID]model.Entitlements{},
	}
}

func (m *memStore) CountSimilarAttempts(_ context.Context, _ uuid.UUID, prefix string, _ time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attemptArgs = append(m.attemptArgs, prefix)
	return m.priorAttempts, m.attemptErr
}

func (m *memStore) ListPriorResolvedCases(context.Context, uuid.UUID, time.Time, float64, int) ([]storage.PriorCase, error) {
	return m.priorCases, m.priorErr
}

func (m *memStore) RecordResolution(_ context.Context, rec storage.ResolutionRecord) (model.SupportAILog, *model.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return model.SupportAILog{}, nil, m.recordErr
	}
	m.records = append(m.records, rec)
	log := rec.Log
	log.ID = uuid.New()
	log.CreatedAt = testNow
	var created *model.Case
	if rec.Case != nil {
		c := *rec.Case
		c.ID = uuid.New()
		c.CreatedAt = testNow
		m.cases[c.ID] = c
		log.CaseID = &c.ID
		created = &c
	}
	m.audits = append(m.audits, rec.Audit)
	return log, created, nil
}

func (m *memStore) InsertAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, e)
	return nil
}

func (m *memStore) MutateCase(_ context.Context, caseID uuid.UUID, fn func(model.Case) (storage.CaseMutation, error)) (model.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.cases[caseID]
	if !ok {
		return model.Case{}, storage.ErrNotFound
	}
	mut, err := fn(current)
	if errors.Is(err, storage.ErrNoChange) {
		return current, nil
	}
	if err != nil {
		return model.Case{}, err
	}
	if mut.Status != nil {
		current.Status = *mut.Status
	}
	if mut.Priority != nil {
		current.Priority = *mut.Priority
	}
	if mut.OwnerIdentityID != nil {
		current.OwnerIdentityID = mut.OwnerIdentityID
	}
	m.cases[caseID] = current
	if mut.Message != nil {
		msg := *mut.Message
		msg.CaseID = caseID
		m.messages = append(m.messages, msg)
	}
	if mut.SLAEvent != nil {
		ev := *mut.SLAEvent
		ev.CaseID = caseID
		m.slaEvents = append(m.slaEvents, ev)
	}
	if mut.Audit != nil {
		a := *mut.Audit
		a.CaseID = &caseID
		m.audits = append(m.audits, a)
	}
	return current, nil
}

func (m *memStore) SetFeedback(_ context.Context, logID uuid.UUID, helpful bool, feedback *string) (model.SupportAILog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.feedback[logID]
	if !ok {
		return model.SupportAILog{}, storage.ErrNotFound
	}
	l.Helpful = &helpful
	if feedback != nil {
		l.UserFeedback = feedback
	}
	m.feedback[logID] = l
	return l, nil
}

func (m *memStore) RecordIntake(_ context.Context, ev model.IntakeEvent, c model.Classification, audit storage.AuditEntry) (model.IntakeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = uuid.New()
	ev.CreatedAt = testNow
	m.intakes = append(m.intakes, ev)
	m.classifications[ev.ID] = append(m.classifications[ev.ID], c)
	audit.IntakeEventID = &ev.ID
	m.audits = append(m.audits, audit)
	return ev, nil
}

func (m *memStore) InsertCRMEvent(_ context.Context, e model.CRMEvent) (model.CRMEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	m.crm = append(m.crm, e)
	return e, nil
}

func (m *memStore) MarkCRMForwarded(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarded = append(m.forwarded, id)
	return nil
}

func (m *memStore) GetIntakeEvent(_ context.Context, id uuid.UUID) (model.IntakeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.intakes {
		if ev.ID == id {
			return ev, nil
		}
	}
	return model.IntakeEvent{}, storage.ErrNotFound
}

func (m *memStore) InsertClassification(_ context.Context, intakeEventID uuid.UUID, c model.Classification, audit storage.AuditEntry) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifications[intakeEventID] = append(m.classifications[intakeEventID], c)
	audit.IntakeEventID = &intakeEventID
	m.audits = append(m.audits, audit)
	return testNow, nil
}

func (m *memStore) GetCase(_ context.Context, id uuid.UUID) (model.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok {
		return model.Case{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ListCaseMessages(_ context.Context, caseID uuid.UUID) ([]model.CaseMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CaseMessage
	for _, msg := range m.messages {
		if msg.CaseID == caseID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) InsertArtifact(_ context.Context, a model.AIArtifact) (model.AIArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = testNow
	m.artifacts = append(m.artifacts, a)
	return a, nil
}

func (m *memStore) GetEntitlements(_ context.Context, tenantID uuid.UUID) (model.Entitlements, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entitlements[tenantID]
	if !ok {
		return model.Entitlements{}, storage.ErrNotFound
	}
	return e, nil
}

func (m *memStore) lastRecord(t *testing.T) storage.ResolutionRecord {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		t.Fatal("no resolution recorded")
	}
	return m.records[len(m.records)-1]
}

func (m *memStore) auditTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audits))
	for _, a := range m.audits {
		out = append(out, a.EventType)
	}
	return out
}

type fakeTenants struct {
	tenant     model.Tenant
	err        error
	identities []string
}

func (f *fakeTenants) Resolve(_ context.Context, tenantID *uuid.UUID, _ string) (model.Tenant, error) {
	if f.err != nil {
		return model.Tenant{}, f.err
	}
	if tenantID != nil && *tenantID != f.tenant.ID {
		return model.Tenant{}, storage.ErrNotFound
	}
	return f.tenant, nil
}

func (f *fakeTenants) GetOrCreateIdentity(_ context.Context, tenantID uuid.UUID, email string) (model.Identity, error) {
	f.identities = append(f.identities, email)
	return model.Identity{ID: uuid.New(), TenantID: tenantID, Email: email}, nil
}

type fixedClassifier struct {
	c     model.Classification
	calls int
}

func (f *fixedClassifier) Classify(context.Context, string, string, string) model.Classification {
	f.calls++
	return f.c
}

type genFunc func(ctx context.Context, req aigateway.GenerateRequest) (string, error)

func (f genFunc) Generate(ctx context.Context, req aigateway.GenerateRequest) (string, error) {
	return f(ctx, req)
}

func replying(text string) genFunc {
	return func(context.Context, aigateway.GenerateRequest) (string, error) { return text, nil }
}

type fakeSearcher struct {
	docs    []kb.Document
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, limit int) []kb.Document {
	f.queries = append(f.queries, query)
	return f.docs[:min(limit, len(f.docs))]
}

type fixedPolicies struct {
	budget sla.Budget
	err    error
}

func (f fixedPolicies) PolicyFor(context.Context, uuid.UUID, model.PlanTier) (sla.Budget, error) {
	return f.budget, f.err
}

type fakeScheduler struct {
	full bool
	jobs []kbagent.ProcessInput
}

func (f *fakeScheduler) Submit(_ context.Context, in kbagent.ProcessInput) bool {
	if f.full {
		return false
	}
	f.jobs = append(f.jobs, in)
	return true
}

type recordingPublisher struct {
	mu     sync.Mutex
	err    error
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

type fakeCRM struct {
	err      error
	received []model.CRMEvent
}

func (f *fakeCRM) Forward(_ context.Context, e model.CRMEvent) error {
	f.received = append(f.received, e)
	return f.err
}

type harness struct {
	store      *memStore
	tenants    *fakeTenants
	classifier *fixedClassifier
	searcher   *fakeSearcher
	scheduler  *fakeScheduler
	publisher  *recordingPublisher
	crm        *fakeCRM
	engine     *Engine
}

func newHarness(tier model.PlanTier, gen aigateway.Generator) *harness {
	h := &harness{
		store:   newMemStore(),
		tenants: &fakeTenants{tenant: model.Tenant{ID: uuid.New(), Name: "Acme", PlanTier: tier}},
		classifier: &fixedClassifier{c: model.Classification{
			Intent:            model.IntentSupport,
			Urgency:           model.PriorityNormal,
			Confidence:        0.9,
			RecommendedAction: model.ActionSelfService,
			ModelUsed:         "test-classifier",
		}},
		searcher:  &fakeSearcher{},
		scheduler: &fakeScheduler{},
		publisher: &recordingPublisher{},
		crm:       &fakeCRM{},
	}
	h.engine = New(h.store, h.tenants, h.classifier, gen, h.searcher,
		fixedPolicies{budget: sla.Budget{FirstResponseMinutes: 30, ResolutionMinutes: 120}},
		h.publisher, testLogger(),
		WithKBAgent(h.scheduler), WithCRM(h.crm), WithModelName("test-model"))
	h.engine.now = func() time.Time { return testNow }
	return h
}

func supportRequest() Request {
	return Request{
		UserEmail: "user@acme.test",
		Subject:   "VPN drops",
		Message:   "My VPN connection drops every few minutes after the latest update.",
	}
}
