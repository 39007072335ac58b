package ticket_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/testutil"
	"github.com/ashita-ai/shiken/internal/ticket"
	"github.com/ashita-ai/shiken/internal/tracker"
)

// fakeTracker answers from in-memory maps and records calls.
type fakeTracker struct {
	mu        sync.Mutex
	issues    map[string]tracker.Issue
	issueErr  map[string]error
	projects  map[string]bool
	projErr   map[string]error
	createErr error
	created   []tracker.CreateIssueRequest
	next      int
}

func newFake() *fakeTracker {
	return &fakeTracker{
		issues:   map[string]tracker.Issue{},
		issueErr: map[string]error{},
		projects: map[string]bool{},
		projErr:  map[string]error{},
	}
}

func (f *fakeTracker) GetProject(_ context.Context, _ tracker.Credentials, key string) (tracker.Project, error) {
	if err := f.projErr[key]; err != nil {
		return tracker.Project{}, err
	}
	if !f.projects[key] {
		return tracker.Project{}, model.Errorf(model.KindNotFound, "project %s", key)
	}
	return tracker.Project{Key: key}, nil
}

func (f *fakeTracker) GetIssue(_ context.Context, _ tracker.Credentials, key string) (tracker.Issue, error) {
	if err := f.issueErr[key]; err != nil {
		return tracker.Issue{}, err
	}
	is, ok := f.issues[key]
	if !ok {
		return tracker.Issue{}, model.Errorf(model.KindNotFound, "issue %s", key)
	}
	return is, nil
}

func (f *fakeTracker) CreateIssue(_ context.Context, _ tracker.Credentials, req tracker.CreateIssueRequest) (tracker.CreatedIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return tracker.CreatedIssue{}, f.createErr
	}
	f.next++
	return tracker.CreatedIssue{Key: req.ProjectKey + "-" + string(rune('0'+f.next))}, nil
}

var creds = tracker.Credentials{BaseURL: "https://acme.atlassian.net", Email: "qa@example.com", Token: "t"}

func str(s string) *string { return &s }

func payload() model.TicketPayload {
	return model.TicketPayload{Summary: "Generated tests for PR 7", Description: "3 cases"}
}

func TestPushSubtask(t *testing.T) {
	f := newFake()
	f.projects["QA"] = true
	f.issues["QA-7"] = tracker.Issue{Key: "QA-7", Fields: tracker.IssueFields{Project: tracker.Project{Key: "QA"}}}
	p := ticket.NewPusher(f, ticket.Config{}, testutil.TestLogger())

	res, err := p.Push(context.Background(), creds, str("QA-7"), payload())
	require.NoError(t, err)
	require.NotNil(t, res.ParentKey)
	assert.Equal(t, "QA-7", *res.ParentKey)
	assert.Equal(t, "QA", res.ProjectKey)
	assert.False(t, res.Synthetic)
	assert.Equal(t, "https://acme.atlassian.net/browse/"+res.Key, res.URL)
	require.Len(t, f.created, 1)
	assert.Equal(t, "QA-7", f.created[0].ParentKey)
}

func TestMissingParentFallsBackToStandalone(t *testing.T) {
	f := newFake()
	f.projects["QA"] = true
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA"}, testutil.TestLogger())

	res, err := p.Push(context.Background(), creds, str("QA-404"), payload())
	require.NoError(t, err)
	assert.Nil(t, res.ParentKey)
	assert.Equal(t, "QA", res.ProjectKey)
	assert.False(t, res.Synthetic)
	require.Len(t, f.created, 1)
	assert.Empty(t, f.created[0].ParentKey)
}

func TestInaccessibleParentFallsBackToStandalone(t *testing.T) {
	f := newFake()
	f.projects["QA"] = true
	f.issueErr["SEC-1"] = model.Errorf(model.KindNoPermission, "forbidden")
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA"}, testutil.TestLogger())

	res, err := p.Push(context.Background(), creds, str("SEC-1"), payload())
	require.NoError(t, err)
	assert.Nil(t, res.ParentKey)
}

func TestNoParentCreatesStandalone(t *testing.T) {
	f := newFake()
	f.projects["WEB"] = true
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA"}, testutil.TestLogger())

	pl := payload()
	pl.ProjectKey = "WEB"
	res, err := p.Push(context.Background(), creds, nil, pl)
	require.NoError(t, err)
	assert.Nil(t, res.ParentKey)
	assert.Equal(t, "WEB", res.ProjectKey)
}

func TestUnauthorizedShortCircuits(t *testing.T) {
	f := newFake()
	f.projects["QA"] = true
	f.issueErr["QA-7"] = model.Errorf(model.KindUnauthorized, "bad token")
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA", SyntheticFallback: true}, testutil.TestLogger())

	_, err := p.Push(context.Background(), creds, str("QA-7"), payload())
	require.Error(t, err)
	assert.Equal(t, model.KindUnauthorized, model.KindOf(err))
	assert.Empty(t, f.created, "no standalone attempt after unauthorized")
}

func TestNoCredentialsShortCircuits(t *testing.T) {
	f := newFake()
	f.projErr["QA"] = model.Errorf(model.KindNoCredentials, "missing")
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA", SyntheticFallback: true}, testutil.TestLogger())

	_, err := p.Push(context.Background(), tracker.Credentials{}, nil, payload())
	assert.Equal(t, model.KindNoCredentials, model.KindOf(err))
}

func TestProjectNotFoundFails(t *testing.T) {
	f := newFake()
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "GONE"}, testutil.TestLogger())

	_, err := p.Push(context.Background(), creds, nil, payload())
	require.Error(t, err)
	assert.Equal(t, model.KindProjectNotFound, model.KindOf(err))
	assert.Empty(t, f.created)
}

func TestProjectForbiddenIsNoPermission(t *testing.T) {
	f := newFake()
	f.projErr["QA"] = model.Errorf(model.KindNoPermission, "forbidden")
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA"}, testutil.TestLogger())

	_, err := p.Push(context.Background(), creds, nil, payload())
	assert.Equal(t, model.KindNoPermission, model.KindOf(err))
	assert.Empty(t, f.created)
}

func TestParentProjectValidationSkipsStandalone(t *testing.T) {
	f := newFake()
	f.projects["QA"] = true
	f.issues["OPS-1"] = tracker.Issue{Key: "OPS-1", Fields: tracker.IssueFields{Project: tracker.Project{Key: "OPS"}}}
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA"}, testutil.TestLogger())

	_, err := p.Push(context.Background(), creds, str("OPS-1"), payload())
	require.Error(t, err)
	assert.Equal(t, model.KindProjectNotFound, model.KindOf(err))
	assert.Empty(t, f.created)
}

func TestMissingDefaultProject(t *testing.T) {
	p := ticket.NewPusher(newFake(), ticket.Config{}, testutil.TestLogger())
	_, err := p.Push(context.Background(), creds, nil, payload())
	assert.Equal(t, model.KindProjectNotFound, model.KindOf(err))
}

func TestSyntheticFallback(t *testing.T) {
	f := newFake()
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "GONE", SyntheticFallback: true}, testutil.TestLogger())

	res, err := p.Push(context.Background(), creds, nil, payload())
	require.NoError(t, err)
	assert.Empty(t, f.created)
	assert.Equal(t, "GONE", res.ProjectKey)
	assert.True(t, res.Synthetic)
	assert.True(t, strings.HasPrefix(res.Key, model.SyntheticKeyPrefix))
	assert.Len(t, res.Key, len(model.SyntheticKeyPrefix)+8)
	assert.True(t, ticket.IsSynthetic(res.Key))
	assert.Nil(t, res.ParentKey)
}

func TestSyntheticFallbackAfterForbiddenCreate(t *testing.T) {
	f := newFake()
	f.projects["QA"] = true
	f.createErr = model.Errorf(model.KindNoPermission, "tracker returned 403")
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA", SyntheticFallback: true}, testutil.TestLogger())

	res, err := p.Push(context.Background(), creds, str("QA-404"), payload())
	require.NoError(t, err)
	assert.True(t, res.Synthetic)
	assert.Len(t, f.created, 1)
}

func TestUpstreamFailuresAreNotDegraded(t *testing.T) {
	for _, kind := range []model.ErrorKind{model.KindAPIError, model.KindTimeout} {
		t.Run(string(kind), func(t *testing.T) {
			f := newFake()
			f.projects["QA"] = true
			f.createErr = model.Errorf(kind, "tracker create failed")
			p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA", SyntheticFallback: true}, testutil.TestLogger())

			res, err := p.Push(context.Background(), creds, nil, payload())
			require.Error(t, err)
			assert.Equal(t, kind, model.KindOf(err))
			assert.False(t, res.Synthetic)
			assert.Empty(t, res.Key)
		})
	}
}

func TestSyntheticFallbackDisabled(t *testing.T) {
	f := newFake()
	f.projects["QA"] = true
	f.createErr = model.Errorf(model.KindAPIError, "tracker returned 503")
	p := ticket.NewPusher(f, ticket.Config{DefaultProject: "QA"}, testutil.TestLogger())

	_, err := p.Push(context.Background(), creds, nil, payload())
	require.Error(t, err)
	assert.Equal(t, model.KindAPIError, model.KindOf(err))
	assert.False(t, ticket.IsSynthetic("QA-1"))
}
