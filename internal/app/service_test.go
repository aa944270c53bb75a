package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"flowforge/api/internal/auth"
	"flowforge/api/internal/detail"
	"flowforge/api/internal/store"
	"flowforge/api/internal/version"
)

type fakeData struct {
	createProcessFn     func(context.Context, store.Process) error
	getProcessFn        func(context.Context, string, string) (store.Process, error)
	listProcessesFn     func(context.Context, string, int, int) ([]store.Process, error)
	countProcessesFn    func(context.Context, string) (int, error)
	updateProcessMetaFn func(context.Context, string, string, string, string) (bool, error)
	deleteProcessFn     func(context.Context, string, string) (bool, error)
	listCommentsFn      func(context.Context, string, string) ([]store.Comment, error)
	pingFn              func(context.Context) error
}

func (f *fakeData) CreateProcess(ctx context.Context, process store.Process) error {
	if f.createProcessFn != nil {
		return f.createProcessFn(ctx, process)
	}
	return nil
}

func (f *fakeData) GetProcess(ctx context.Context, ownerID, processID string) (store.Process, error) {
	if f.getProcessFn != nil {
		return f.getProcessFn(ctx, ownerID, processID)
	}
	return store.Process{ID: processID, OwnerID: ownerID}, nil
}

func (f *fakeData) ListProcesses(ctx context.Context, ownerID string, limit, page int) ([]store.Process, error) {
	if f.listProcessesFn != nil {
		return f.listProcessesFn(ctx, ownerID, limit, page)
	}
	return nil, nil
}

func (f *fakeData) CountProcesses(ctx context.Context, ownerID string) (int, error) {
	if f.countProcessesFn != nil {
		return f.countProcessesFn(ctx, ownerID)
	}
	return 0, nil
}

func (f *fakeData) UpdateProcessMeta(ctx context.Context, ownerID, processID, name, description string) (bool, error) {
	if f.updateProcessMetaFn != nil {
		return f.updateProcessMetaFn(ctx, ownerID, processID, name, description)
	}
	return true, nil
}

func (f *fakeData) DeleteProcess(ctx context.Context, ownerID, processID string) (bool, error) {
	if f.deleteProcessFn != nil {
		return f.deleteProcessFn(ctx, ownerID, processID)
	}
	return true, nil
}

func (f *fakeData) ListComments(ctx context.Context, processID, elementID string) ([]store.Comment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, processID, elementID)
	}
	return nil, nil
}

func (f *fakeData) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeVersions struct {
	createFn         func(context.Context, string, string, string, version.CreateInput) (version.Ref, error)
	getFn            func(context.Context, string, string, string) (store.ProcessVersion, detail.VersionDetail, error)
	restoreFn        func(context.Context, string, string, string, string) (version.Ref, error)
	listFn           func(context.Context, string, string) ([]store.ProcessVersion, error)
	deleteFn         func(context.Context, string, string, string) error
	currentPayloadFn func(context.Context, string, string) (store.ProcessVersion, detail.VersionDetail, error)
	saveDraftFn      func(context.Context, string, string, version.Payload) error
	purgeDetailsFn   func(context.Context, string, string) error
}

func (f *fakeVersions) Create(ctx context.Context, ownerID, processID, authorID string, input version.CreateInput) (version.Ref, error) {
	if f.createFn != nil {
		return f.createFn(ctx, ownerID, processID, authorID, input)
	}
	return version.Ref{VersionID: "v-1", Number: 1}, nil
}

func (f *fakeVersions) Get(ctx context.Context, ownerID, processID, versionID string) (store.ProcessVersion, detail.VersionDetail, error) {
	if f.getFn != nil {
		return f.getFn(ctx, ownerID, processID, versionID)
	}
	return store.ProcessVersion{}, detail.VersionDetail{}, version.ErrVersionNotFound
}

func (f *fakeVersions) Restore(ctx context.Context, ownerID, processID, authorID, versionID string) (version.Ref, error) {
	if f.restoreFn != nil {
		return f.restoreFn(ctx, ownerID, processID, authorID, versionID)
	}
	return version.Ref{}, version.ErrVersionNotFound
}

func (f *fakeVersions) List(ctx context.Context, ownerID, processID string) ([]store.ProcessVersion, error) {
	if f.listFn != nil {
		return f.listFn(ctx, ownerID, processID)
	}
	return nil, nil
}

func (f *fakeVersions) Delete(ctx context.Context, ownerID, processID, versionID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, ownerID, processID, versionID)
	}
	return nil
}

func (f *fakeVersions) CurrentPayload(ctx context.Context, ownerID, processID string) (store.ProcessVersion, detail.VersionDetail, error) {
	if f.currentPayloadFn != nil {
		return f.currentPayloadFn(ctx, ownerID, processID)
	}
	return store.ProcessVersion{}, detail.VersionDetail{}, version.ErrProcessNotFound
}

func (f *fakeVersions) SaveDraft(ctx context.Context, ownerID, processID string, payload version.Payload) error {
	if f.saveDraftFn != nil {
		return f.saveDraftFn(ctx, ownerID, processID, payload)
	}
	return nil
}

func (f *fakeVersions) PurgeDetails(ctx context.Context, ownerID, processID string) error {
	if f.purgeDetailsFn != nil {
		return f.purgeDetailsFn(ctx, ownerID, processID)
	}
	return nil
}

func newTestService(data *fakeData, versions *fakeVersions) *Service {
	return NewService(data, versions, []byte("test-secret"), time.Hour, zap.NewNop())
}

func TestLoginIssuesStableIdentity(t *testing.T) {
	svc := newTestService(&fakeData{}, &fakeVersions{})

	first, err := svc.Login(context.Background(), "Alice", "alice@example.com", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	second, err := svc.Login(context.Background(), "alice", "", "")
	if err != nil {
		t.Fatalf("login again: %v", err)
	}
	if first.UserID != second.UserID {
		t.Errorf("same name must map to same user id: %s vs %s", first.UserID, second.UserID)
	}

	identity, err := svc.IdentityFromToken(first.Token)
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if identity.UserID != first.UserID || identity.Name != "Alice" {
		t.Errorf("unexpected identity %+v", identity)
	}
}

func TestLoginRejectsEmptyName(t *testing.T) {
	svc := newTestService(&fakeData{}, &fakeVersions{})

	_, err := svc.Login(context.Background(), "   ", "", "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateProcessSeedsInitialVersion(t *testing.T) {
	var seeded version.CreateInput
	versions := &fakeVersions{
		createFn: func(_ context.Context, _, _, _ string, input version.CreateInput) (version.Ref, error) {
			seeded = input
			return version.Ref{VersionID: "v-1", Number: 1}, nil
		},
	}
	svc := newTestService(&fakeData{}, versions)

	_, ref, err := svc.CreateProcess(context.Background(), auth.Identity{UserID: "user-a", Name: "Alice"}, CreateProcessInput{
		Name:    "Order flow",
		Payload: version.Payload{XML: "<definitions/>"},
	})
	if err != nil {
		t.Fatalf("create process: %v", err)
	}
	if ref.Number != 1 {
		t.Errorf("expected first version number 1, got %d", ref.Number)
	}
	if seeded.Tag != "Initial Version" {
		t.Errorf("unexpected seed tag %q", seeded.Tag)
	}
	if seeded.Payload.XML != "<definitions/>" {
		t.Errorf("seed must carry the supplied payload, got %q", seeded.Payload.XML)
	}
}

func TestCreateProcessRemovesRowWhenSeedFails(t *testing.T) {
	var removed string
	data := &fakeData{
		deleteProcessFn: func(_ context.Context, _, processID string) (bool, error) {
			removed = processID
			return true, nil
		},
	}
	var inserted string
	data.createProcessFn = func(_ context.Context, process store.Process) error {
		inserted = process.ID
		return nil
	}
	versions := &fakeVersions{
		createFn: func(context.Context, string, string, string, version.CreateInput) (version.Ref, error) {
			return version.Ref{}, errors.New("payload store down")
		},
	}
	svc := newTestService(data, versions)

	_, _, err := svc.CreateProcess(context.Background(), auth.Identity{UserID: "user-a", Name: "Alice"}, CreateProcessInput{Name: "Order flow"})
	if err == nil {
		t.Fatal("expected create to fail")
	}
	if inserted == "" || removed != inserted {
		t.Errorf("fresh row must be removed after seed failure: inserted=%q removed=%q", inserted, removed)
	}
}

func TestUpdateProcessMetaMapsMissingRow(t *testing.T) {
	data := &fakeData{
		updateProcessMetaFn: func(context.Context, string, string, string, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(data, &fakeVersions{})

	err := svc.UpdateProcessMeta(context.Background(), "user-a", "proc-1", "New name", "")
	if !errors.Is(err, version.ErrProcessNotFound) {
		t.Fatalf("expected process not found, got %v", err)
	}
}

func TestDeleteProcessPurgesPayloadsFirst(t *testing.T) {
	var order []string
	data := &fakeData{
		deleteProcessFn: func(context.Context, string, string) (bool, error) {
			order = append(order, "row")
			return true, nil
		},
	}
	versions := &fakeVersions{
		purgeDetailsFn: func(context.Context, string, string) error {
			order = append(order, "payloads")
			return nil
		},
	}
	svc := newTestService(data, versions)

	if err := svc.DeleteProcess(context.Background(), "user-a", "proc-1"); err != nil {
		t.Fatalf("delete process: %v", err)
	}
	if len(order) != 2 || order[0] != "payloads" || order[1] != "row" {
		t.Errorf("payloads must be purged before the row is deleted, got %v", order)
	}
}

func TestDeleteProcessUnknownProcess(t *testing.T) {
	data := &fakeData{
		getProcessFn: func(context.Context, string, string) (store.Process, error) {
			return store.Process{}, sql.ErrNoRows
		},
	}
	svc := newTestService(data, &fakeVersions{})

	err := svc.DeleteProcess(context.Background(), "user-a", "missing")
	if !errors.Is(err, version.ErrProcessNotFound) {
		t.Fatalf("expected process not found, got %v", err)
	}
}

func TestListProcessesStoreOutageIsRetryable(t *testing.T) {
	data := &fakeData{
		listProcessesFn: func(context.Context, string, int, int) ([]store.Process, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := newTestService(data, &fakeVersions{})

	_, _, err := svc.ListProcesses(context.Background(), "user-a", 10, 1)
	if !errors.Is(err, version.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestCreateVersionRequiresTag(t *testing.T) {
	svc := newTestService(&fakeData{}, &fakeVersions{})

	_, err := svc.CreateVersion(context.Background(), auth.Identity{UserID: "user-a"}, "proc-1", version.CreateInput{Tag: "  "})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("expected validation error, got %v", err)
	}
}
