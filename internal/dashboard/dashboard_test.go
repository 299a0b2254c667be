package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbook/fieldbook/internal/backup"
	"github.com/fieldbook/fieldbook/internal/coordinator"
	"github.com/fieldbook/fieldbook/internal/lock"
	"github.com/fieldbook/fieldbook/internal/store"
	"github.com/fieldbook/fieldbook/internal/sync"
)

type fakeBackend struct {
	mu        gosync.Mutex
	endpoints []string
	sessions  []string
	subs      []func(coordinator.Event)

	enter    lock.Decision
	enterErr error
	unlock   error
	snap     *backup.Snapshot
	snapErr  error
	syncErr  error
	summary  *sync.Summary
	attach   map[int64]*coordinator.Attachments
}

func (f *fakeBackend) BeforeRequest(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append(f.endpoints, endpoint)
}

func (f *fakeBackend) Status(context.Context) *coordinator.Status {
	return &coordinator.Status{Device: "test-device", Mode: "online"}
}

func (f *fakeBackend) EnterEdit(_ context.Context, session string) (lock.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
	return f.enter, f.enterErr
}

func (f *fakeBackend) ExitEdit(context.Context, string) (bool, error) { return true, nil }

func (f *fakeBackend) Unlock(context.Context, string) error { return f.unlock }

func (f *fakeBackend) ManualBackup(context.Context) (*backup.Snapshot, error) {
	return f.snap, f.snapErr
}

func (f *fakeBackend) ListBackups(dest string) ([]backup.Entry, error) {
	if dest == backup.Shared {
		return []backup.Entry{{Name: "account_team_20240103_120000.db"}}, nil
	}
	return nil, errors.New("missing")
}

func (f *fakeBackend) LastBackups() backup.Times { return backup.Times{} }

func (f *fakeBackend) Attachments(_ context.Context, id int64) (*coordinator.Attachments, error) {
	if a, ok := f.attach[id]; ok {
		return a, nil
	}
	return nil, store.ErrCustomerNotFound
}

func (f *fakeBackend) SyncAll(context.Context) (*sync.Summary, error) {
	return f.summary, f.syncErr
}

func (f *fakeBackend) RebuildIndex(context.Context) (int, error) { return 7, nil }

func (f *fakeBackend) NewFilesToday(context.Context) ([]string, error) { return nil, nil }

func (f *fakeBackend) Subscribe(fn func(coordinator.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeBackend) publish(ev coordinator.Event) {
	f.mu.Lock()
	subs := append([]func(coordinator.Event){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func newTestServer(t *testing.T, backend *fakeBackend) *Server {
	t.Helper()
	return NewServer(backend, &Config{
		Addr:   "127.0.0.1:0",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func do(t *testing.T, h http.Handler, method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestSessionCookieIsStable(t *testing.T) {
	backend := &fakeBackend{enter: lock.Decision{Outcome: lock.OutcomeAcquired}}
	h := newTestServer(t, backend).Handler()

	first := do(t, h, http.MethodPost, "/lock/enter")
	cookie := sessionCookie(t, first)

	second := do(t, h, http.MethodPost, "/lock/enter", cookie)
	assert.Empty(t, second.Result().Cookies(), "existing session must not be replaced")

	require.Len(t, backend.sessions, 2)
	assert.Equal(t, cookie.Value, backend.sessions[0])
	assert.Equal(t, cookie.Value, backend.sessions[1])
}

func TestBeforeRequestHookNamesEndpoint(t *testing.T) {
	backend := &fakeBackend{}
	h := newTestServer(t, backend).Handler()

	rec := do(t, h, http.MethodGet, "/dashboard")
	assert.Equal(t, http.StatusOK, rec.Code)
	do(t, h, http.MethodGet, "/status")

	assert.Equal(t, []string{"dashboard", "status"}, backend.endpoints)

	var st coordinator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "test-device", st.Device)
}

func TestLockEnterStatusCodes(t *testing.T) {
	since := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		decision lock.Decision
		err      error
		want     int
	}{
		{"acquired", lock.Decision{Outcome: lock.OutcomeAcquired, Info: &lock.Info{Holder: "alice", AcquiredAt: since}}, nil, http.StatusOK},
		{"held", lock.Decision{Outcome: lock.OutcomeHeld, Info: &lock.Info{Holder: "bob", AcquiredAt: since}}, nil, http.StatusLocked},
		{"offline", lock.Decision{}, coordinator.ErrOffline, http.StatusServiceUnavailable},
		{"error", lock.Decision{}, errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{enter: tt.decision, enterErr: tt.err}
			rec := do(t, newTestServer(t, backend).Handler(), http.MethodPost, "/lock/enter")
			assert.Equal(t, tt.want, rec.Code)

			if tt.err == nil {
				var resp LockResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.decision.Info.Holder, resp.Holder)
				assert.Equal(t, tt.decision.Granted(), resp.Granted)
				require.NotNil(t, resp.Since)
				assert.True(t, resp.Since.Equal(since))
			}
		})
	}
}

func TestUnlock(t *testing.T) {
	backend := &fakeBackend{}
	h := newTestServer(t, backend).Handler()
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/unlock").Code)

	backend.unlock = lock.ErrNotOwner
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/unlock").Code)
}

func TestBackupEndpoints(t *testing.T) {
	backend := &fakeBackend{snap: &backup.Snapshot{Name: "account_team_20240103_120000.db", Size: 42}}
	h := newTestServer(t, backend).Handler()

	rec := do(t, h, http.MethodPost, "/backup")
	assert.Equal(t, http.StatusCreated, rec.Code)
	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 42, snap.Size)

	backend.snap.SharedErr = errors.New("shared medium gone")
	backend.snapErr = backend.snap.SharedErr
	rec = do(t, h, http.MethodPost, "/backup")
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), "shared medium gone")

	backend.snap, backend.snapErr = nil, coordinator.ErrOffline
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/backup").Code)

	rec = do(t, h, http.MethodGet, "/backups")
	assert.Equal(t, http.StatusOK, rec.Code)
	var list BackupsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Shared, 1)
	assert.Empty(t, list.Local)
}

func TestAttachments(t *testing.T) {
	backend := &fakeBackend{attach: map[int64]*coordinator.Attachments{
		1: {
			Customer: store.Customer{ID: 1, Name: "Acme"},
			Folder:   "Acme",
			Root:     []store.Document{{ID: 1, Path: "Acme/a.pdf", DisplayName: "a.pdf"}},
			Synced:   true,
		},
	}}
	h := newTestServer(t, backend).Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/customers/abc/attachments").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/customers/2/attachments").Code)

	rec := do(t, h, http.MethodGet, "/customers/1/attachments")
	require.Equal(t, http.StatusOK, rec.Code)
	var att coordinator.Attachments
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &att))
	require.Len(t, att.Root, 1)
	assert.Equal(t, "Acme/a.pdf", att.Root[0].Path)
	assert.Contains(t, backend.endpoints, "customer_attachments")
}

func TestSyncAndIndex(t *testing.T) {
	backend := &fakeBackend{summary: &sync.Summary{
		Reports: []*sync.Report{{Scope: "General", Inserted: []string{"General/a.pdf"}}},
		Failed:  map[string]error{"!!!": sync.ErrNoFolderName},
	}}
	h := newTestServer(t, backend).Handler()

	rec := do(t, h, http.MethodPost, "/sync/all")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Inserted)
	assert.Contains(t, resp.Failed, "!!!")

	backend.syncErr = store.ErrReadOnly
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/sync/all").Code)

	rec = do(t, h, http.MethodPost, "/files/index")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"files":7}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/files/new-today")
	assert.JSONEq(t, `{"count":0,"files":[]}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newTestServer(t, &fakeBackend{}).Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "fieldbook_"), "collectors registered")
}

func TestEventStream(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(t, backend)
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"hello"`)
	assert.Equal(t, 1, srv.Hub().ClientCount())

	backend.publish(coordinator.Event{
		Kind: coordinator.EventBackup,
		Data: coordinator.BackupEvent{Name: "account_team_20240103_120000.db", Manual: true},
	})

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	var ev struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "backup", ev.Kind)
	assert.True(t, bytes.Contains(ev.Data, []byte("account_team_20240103_120000.db")))
}
