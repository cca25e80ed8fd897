package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnc-monitor-backend/config"
	"cnc-monitor-backend/internal/dispatch"
	"cnc-monitor-backend/internal/model"
	"cnc-monitor-backend/internal/statecache"
	"cnc-monitor-backend/internal/store"
	"cnc-monitor-backend/internal/testutil"
	"cnc-monitor-backend/internal/transfer"
	"cnc-monitor-backend/internal/views"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memoryTransfer struct {
	files map[string][]byte
}

func (m *memoryTransfer) ListDirectory(context.Context) ([]transfer.Entry, error) {
	out := []transfer.Entry{}
	for name, data := range m.files {
		out = append(out, transfer.Entry{Name: name, Size: int64(len(data))})
	}
	return out, nil
}

func (m *memoryTransfer) Upload(_ context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	m.files[name] = data
	return err
}

func (m *memoryTransfer) Delete(_ context.Context, name string) error {
	if _, ok := m.files[name]; !ok {
		return &transfer.ProtocolError{Step: "dele", Code: 550, Message: "No such file"}
	}
	delete(m.files, name)
	return nil
}

type testEnv struct {
	router *gin.Engine
	store  store.Store
	cache  *statecache.Cache
	files  *memoryTransfer
	stop   *model.Transition
}

var clock = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, push *webpush.Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewGormStore(testutil.NewSQLiteDB(t))
	m, err := st.EnsureMachine(ctx, "MC-7", "10.0.0.7")
	require.NoError(t, err)
	_, err = st.EnsureMachine(ctx, "MC-8", "")
	require.NoError(t, err)

	start := &model.Transition{MachineID: m.ID, PreviousStatus: model.StatusUnknown, CurrentStatus: model.StatusRunning, CreatedAt: clock.Add(-3 * time.Hour)}
	require.NoError(t, st.CommitTransition(ctx, start, 6*time.Minute))
	stop := &model.Transition{MachineID: m.ID, PreviousStatus: model.StatusRunning, CurrentStatus: model.StatusStopped, CreatedAt: clock.Add(-time.Hour)}
	require.NoError(t, st.CommitTransition(ctx, stop, 6*time.Minute))

	cache := statecache.New()
	at := stop.CreatedAt
	cache.Load(map[string]statecache.Entry{"MC-7": {Status: model.StatusStopped, LastTransitionAt: &at}})

	files := &memoryTransfer{files: map[string][]byte{}}
	deps := Deps{
		Store:    st,
		Cache:    cache,
		Views:    views.NewService(st, cache, time.UTC, nil, views.WithClock(func() time.Time { return clock })),
		Dispatch: dispatch.NewService(st, func(model.Machine) (transfer.FileTransfer, error) { return files, nil }),
		WebPush:  push,
	}
	router := NewRouter(deps, config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000, CacheTTLSeconds: 30})
	return &testEnv{router: router, store: st, cache: cache, files: files, stop: stop}
}

func (e *testEnv) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doJSON(method, path string, v any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(v)
	return e.do(method, path, bytes.NewReader(b), "application/json")
}

func TestMachines(t *testing.T) {
	env := setup(t, nil)

	w := env.do(http.MethodGet, "/api/machines", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var machines []struct {
		Name  string `json:"name"`
		State struct {
			Status model.Status `json:"status"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &machines))
	require.Len(t, machines, 2)
	assert.Equal(t, model.StatusStopped, machines[0].State.Status)
	assert.Equal(t, model.StatusUnknown, machines[1].State.Status)

	w = env.do(http.MethodGet, "/api/machines/mc-7", nil, "")
	assert.Equal(t, http.StatusOK, w.Code, "names are normalized")

	w = env.do(http.MethodGet, "/api/machines/MC-404", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTransitions(t *testing.T) {
	env := setup(t, nil)

	w := env.do(http.MethodGet, "/api/machines/MC-7/transitions", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var rows []model.Transition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)

	from := clock.Add(-2 * time.Hour).Format(time.RFC3339)
	w = env.do(http.MethodGet, "/api/machines/MC-7/transitions?from="+from, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, model.StatusStopped, rows[0].CurrentStatus)

	w = env.do(http.MethodGet, "/api/machines/MC-7/transitions?limit=1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, env.stop.ID, rows[0].ID, "limited history keeps the latest rows")

	w = env.do(http.MethodGet, "/api/machines/MC-7/transitions?from=yesterday", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetTransitionNote(t *testing.T) {
	env := setup(t, nil)
	path := fmt.Sprintf("/api/transitions/%d/note", env.stop.ID)

	w := env.doJSON(http.MethodPatch, path, gin.H{"note": "waiting for material"})
	require.Equal(t, http.StatusOK, w.Code)
	var rec model.Transition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.NotNil(t, rec.Note)
	assert.Equal(t, "waiting for material", *rec.Note)

	w = env.doJSON(http.MethodPatch, path, gin.H{"note": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.doJSON(http.MethodPatch, "/api/transitions/9999/note", gin.H{"note": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.doJSON(http.MethodPatch, path, gin.H{"note": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatchAndFiles(t *testing.T) {
	env := setup(t, nil)

	var body bytes.Buffer
	mpw := multipart.NewWriter(&body)
	for _, name := range []string{"O1001.NC", "O1002.NC"} {
		fw, err := mpw.CreateFormFile("programs", name)
		require.NoError(t, err)
		_, _ = fw.Write([]byte("%\n" + name + "\nM30\n%\n"))
	}
	require.NoError(t, mpw.WriteField("jobs", `[{"workOrder":"WO-7","estimatedSeconds":900},{"estimatedSeconds":300}]`))
	require.NoError(t, mpw.Close())

	w := env.do(http.MethodPost, "/api/machines/MC-7/dispatch", &body, mpw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var a model.JobAssignment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &a))
	assert.Equal(t, "O1001.NC", a.JobName)
	assert.Equal(t, 900, a.EstimatedSeconds)
	require.Len(t, a.NextJobs, 1)
	assert.Equal(t, 300, a.NextJobs[0].EstimatedSeconds)
	assert.False(t, a.Consumed)

	w = env.do(http.MethodGet, "/api/machines/MC-7/files", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []transfer.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	w = env.do(http.MethodDelete, "/api/machines/MC-7/files/O1002.NC", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodDelete, "/api/machines/MC-7/files/O1002.NC", nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = env.do(http.MethodPost, "/api/machines/MC-7/dispatch", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetView(t *testing.T) {
	env := setup(t, nil)

	w := env.do(http.MethodGet, "/api/views/percentage", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Type string           `json:"type"`
		Data views.Percentage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "percentage", resp.Type)
	require.Len(t, resp.Data.Machines, 2)
	assert.Equal(t, int64(2*3600), resp.Data.Machines[0].RunningSeconds)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/views/gantt", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/views/timeline?shift=swing", nil, "").Code)
}

func TestSubscriptions(t *testing.T) {
	env := setup(t, &webpush.Options{VAPIDPublicKey: "pub"})

	w := env.doJSON(http.MethodPut, "/api/subscriptions", gin.H{"endpoint": "https://push.example/1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())

	w = env.doJSON(http.MethodPut, "/api/subscriptions", gin.H{
		"endpoint":            "https://push.example/1",
		"p256dh":              "key",
		"auth":                "auth",
		"subscribed_machines": []string{"mc-7", "MC-404"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(http.MethodGet, "/api/subscriptions?endpoint=https%3A%2F%2Fpush.example%2F1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"subscribed_machines":["MC-7"]}`, w.Body.String())

	w = env.doJSON(http.MethodDelete, "/api/subscriptions", gin.H{"endpoint": "https://push.example/1"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(http.MethodGet, "/api/subscriptions?endpoint=https%3A%2F%2Fpush.example%2F1", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/vapid_public_key", nil, "")
	assert.JSONEq(t, `{"public_key":"pub"}`, w.Body.String())
}

func TestVAPIDKeyMissing(t *testing.T) {
	env := setup(t, nil)
	w := env.do(http.MethodGet, "/api/vapid_public_key", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSetTransitionNoteEvictsCachedHistory(t *testing.T) {
	env := setup(t, nil)
	history := "/api/machines/MC-7/transitions"

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, history, nil, "").Code)
	cached := env.do(http.MethodGet, history, nil, "")
	require.Equal(t, "HIT", cached.Header().Get("X-Cache"))

	w := env.doJSON(http.MethodPatch, fmt.Sprintf("/api/transitions/%d/note", env.stop.ID), gin.H{"note": "spindle alarm"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, history, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Cache"))
	var rows []model.Transition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	require.NotNil(t, rows[1].Note)
	assert.Equal(t, "spindle alarm", *rows[1].Note)
}

func TestSetVariant(t *testing.T) {
	env := setup(t, nil)

	w := env.doJSON(http.MethodPut, "/api/machines/mc-7/variant", gin.H{"variant": "Active"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var m model.Machine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, model.VariantActive, m.Variant)

	stored, err := env.store.FindMachineByName(context.Background(), "MC-7")
	require.NoError(t, err)
	assert.Equal(t, model.VariantActive, stored.Variant)

	assert.Equal(t, http.StatusBadRequest, env.doJSON(http.MethodPut, "/api/machines/MC-7/variant", gin.H{"variant": "sftp"}).Code)
	assert.Equal(t, http.StatusNotFound, env.doJSON(http.MethodPut, "/api/machines/MC-404/variant", gin.H{"variant": "active"}).Code)
}
