package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eduface/attendance/internal/attendance"
	"github.com/eduface/attendance/internal/auth"
	"github.com/eduface/attendance/internal/cloudinary"
	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/export"
	"github.com/eduface/attendance/internal/meeting"
	"github.com/eduface/attendance/internal/models"
	"github.com/eduface/attendance/internal/notify"
	"github.com/eduface/attendance/internal/queue"
	"github.com/eduface/attendance/internal/reconcile"
	"github.com/eduface/attendance/internal/roster"
	"github.com/eduface/attendance/internal/store"
)

type recordingSender struct {
	mu     sync.Mutex
	phones []string
}

func (s *recordingSender) Send(_ context.Context, phone, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phones = append(s.phones, phone)
	return nil
}

type fakeUploader struct{}

func (fakeUploader) UploadDataURL(_ context.Context, folder, _ string) (*cloudinary.UploadResult, error) {
	return &cloudinary.UploadResult{PublicID: folder + "/x", SecureURL: "https://cdn.example/" + folder + "/x.jpg"}, nil
}

func (fakeUploader) UploadFile(_ context.Context, folder, _ string, _ io.Reader) (*cloudinary.UploadResult, error) {
	return nil, errors.New("boom")
}

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	sender *recordingSender
	events *queue.InMemory
	store  *store.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	mem := store.NewMemory()
	events := queue.NewInMemory(16)
	sender := &recordingSender{}
	rec := reconcile.New(mem, mem, mem)

	h := NewHandler(Handler{
		Roster:    roster.NewService(mem, log),
		Meetings:  meeting.NewManager(mem, events, meeting.Options{}, log),
		Gate:      attendance.NewGate(mem, nil, 0, log),
		Absentees: rec,
		Notifier:  notify.NewDispatcher(mem, rec, sender, notify.Options{Workers: 2}, log),
		Reporter:  export.NewReporter(mem, mem, rec, time.UTC),
		Uploader:  fakeUploader{},
		Tokens:    auth.NewIssuer("eduface", "secret", time.Hour, 24*time.Hour),
		Health:    map[string]HealthCheck{"db": mem.Ping},
	}, log)

	return &testAPI{t: t, router: NewRouter(h, RouterConfig{}), sender: sender, events: events, store: mem}
}

func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (a *testAPI) register(u models.User) (string, string) {
	a.t.Helper()
	w := a.do(http.MethodPost, "/v1/users", "", u)
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[registerResponse](a.t, w)
	return resp.User.ID, resp.Tokens.AccessToken
}

func student(name, phone, guardian string) models.User {
	return models.User{Name: name, Email: name + "@example.com", Role: models.RoleStudent, PhoneNumber: phone, GuardianPhoneNumber: guardian}
}

func TestAttendanceFlow(t *testing.T) {
	api := newTestAPI(t)
	verified := gin.H{"verification": gin.H{"detected": true, "confidence": 0.93}}

	_, teacherTok := api.register(models.User{Name: "Grace", Email: "grace@example.com", Role: models.RoleTeacher, PhoneNumber: "+15559999"})
	_, adaTok := api.register(student("ada", "+15550001", "+15550002"))
	_, boTok := api.register(student("bo", "+15550003", "+15550004"))
	_, _ = api.register(student("cy", "+15550005", "+15550006"))

	w := api.do(http.MethodPost, "/v1/meetings", teacherTok, gin.H{"subject": "Math", "class_name": "CS 101"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	m := decode[models.Meeting](t, w)
	require.True(t, m.Active)
	require.Regexp(t, `^EduFace-CS101-[A-Z0-9]{6}$`, m.MeetingCode)
	require.Equal(t, "Grace", m.CreatedBy)

	w = api.do(http.MethodPost, "/v1/meetings/join", adaTok, gin.H{"meeting_code": m.MeetingCode})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, m.ID, decode[models.Meeting](t, w).ID)

	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/v1/meetings/"+m.ID, adaTok, nil).Code)
	require.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/v1/meetings/ghost", adaTok, nil).Code)

	attendPath := "/v1/meetings/" + m.ID + "/attendance"
	w = api.do(http.MethodPost, attendPath, adaTok, verified)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	row := decode[attendanceView](t, w)
	require.Equal(t, "ada", row.StudentName)
	require.Equal(t, "0 min", row.Duration)

	require.Equal(t, http.StatusConflict, api.do(http.MethodPost, attendPath, adaTok, verified).Code)
	require.Equal(t, http.StatusUnprocessableEntity,
		api.do(http.MethodPost, attendPath, boTok, gin.H{"verification": gin.H{"detected": false}}).Code)
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, attendPath, boTok, verified).Code)

	require.Equal(t, http.StatusForbidden, api.do(http.MethodGet, attendPath, adaTok, nil).Code)
	w = api.do(http.MethodGet, attendPath, teacherTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[struct {
		Attendance []attendanceView `json:"attendance"`
	}](t, w).Attendance, 2)

	w = api.do(http.MethodGet, "/v1/meetings/"+m.ID+"/absentees", teacherTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	absent := decode[struct {
		Count     int           `json:"count"`
		Absentees []models.User `json:"absentees"`
	}](t, w)
	require.Equal(t, 1, absent.Count)
	require.Equal(t, "cy", absent.Absentees[0].Name)

	w = api.do(http.MethodPost, "/v1/meetings/"+m.ID+"/notify-absentees", teacherTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[notify.Report](t, w)
	require.Equal(t, 2, report.NotifiedCount)
	require.ElementsMatch(t, []string{"+15550005", "+15550006"}, api.sender.phones)

	require.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/v1/meetings/"+m.ID+"/leave", adaTok, nil).Code)

	w = api.do(http.MethodGet, "/v1/me/attendance", adaTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	mine := decode[struct {
		Attendance []attendanceView `json:"attendance"`
	}](t, w).Attendance
	require.Len(t, mine, 1)
	require.NotNil(t, mine[0].LeftAt)

	w = api.do(http.MethodGet, "/v1/meetings/"+m.ID+"/report.xlsx", teacherTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	require.NotZero(t, w.Body.Len())

	_, otherTok := api.register(models.User{Name: "Hopper", Email: "hopper@example.com", Role: models.RoleTeacher, PhoneNumber: "+15558888"})
	require.Equal(t, http.StatusForbidden, api.do(http.MethodPost, "/v1/meetings/"+m.ID+"/end", otherTok, nil).Code)

	w = api.do(http.MethodPost, "/v1/meetings/"+m.ID+"/end", teacherTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ended := decode[models.Meeting](t, w)
	require.False(t, ended.Active)
	require.NotNil(t, ended.EndedAt)

	select {
	case msg := <-mustConsume(t, api.events):
		require.Equal(t, queue.TypeMeetingEnded, msg.Type)
		require.Equal(t, m.ID, string(msg.Body))
	case <-time.After(time.Second):
		t.Fatal("meeting.ended not published")
	}

	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/v1/meetings/"+m.ID+"/end", teacherTok, nil).Code)

	_, deeTok := api.register(student("dee", "+15550007", "+15550008"))
	require.Equal(t, http.StatusConflict, api.do(http.MethodPost, attendPath, deeTok, verified).Code)
	require.Equal(t, http.StatusNotFound, api.do(http.MethodPost, "/v1/meetings/join", deeTok, gin.H{"meeting_code": m.MeetingCode}).Code)
}

func mustConsume(t *testing.T, q *queue.InMemory) <-chan queue.Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	return ch
}

func TestRegisterUser_Validation(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(http.MethodPost, "/v1/users", "", student("ada", "+15550001", ""))
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[errorResponse](t, w)
	require.Equal(t, "guardian_phone_number", resp.Fields[0].Field)
}

func TestRegisterUser_TokenHolderUpdatesOwnProfile(t *testing.T) {
	api := newTestAPI(t)
	id, tok := api.register(student("ada", "+15550001", "+15550002"))

	u := student("ada", "+15550001", "+15550002")
	u.ID = "someone-else"
	u.Name = "Ada Lovelace"
	w := api.do(http.MethodPost, "/v1/users", tok, u)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[registerResponse](t, w)
	require.Equal(t, id, resp.User.ID)
	require.Equal(t, "Ada Lovelace", resp.User.Name)

	_, err := api.store.GetUser(context.Background(), "someone-else")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestRefreshTokens(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(http.MethodPost, "/v1/users", "", student("ada", "+15550001", "+15550002"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	pair := decode[registerResponse](t, w).Tokens

	require.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/v1/me/attendance", pair.RefreshToken, nil).Code)
	require.Equal(t, http.StatusUnauthorized,
		api.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.AccessToken}).Code)
	require.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{}).Code)

	w = api.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	fresh := decode[auth.TokenPair](t, w)
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/v1/me/attendance", fresh.AccessToken, nil).Code)

	orphan, err := auth.NewIssuer("eduface", "secret", time.Hour, 24*time.Hour).Issue("ghost", models.RoleStudent)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized,
		api.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": orphan.RefreshToken}).Code)
}

func TestMeetingReports_OwnerOnly(t *testing.T) {
	api := newTestAPI(t)
	_, ownerTok := api.register(models.User{Name: "Grace", Email: "grace@example.com", Role: models.RoleTeacher, PhoneNumber: "+15559999"})
	_, otherTok := api.register(models.User{Name: "Hopper", Email: "hopper@example.com", Role: models.RoleTeacher, PhoneNumber: "+15558888"})
	_, _ = api.register(student("cy", "+15550005", "+15550006"))

	w := api.do(http.MethodPost, "/v1/meetings", ownerTok, gin.H{"subject": "Math", "class_name": "A"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	m := decode[models.Meeting](t, w)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/v1/meetings/" + m.ID + "/attendance"},
		{http.MethodGet, "/v1/meetings/" + m.ID + "/absentees"},
		{http.MethodPost, "/v1/meetings/" + m.ID + "/notify-absentees"},
		{http.MethodGet, "/v1/meetings/" + m.ID + "/report.xlsx"},
	}
	for _, rt := range routes {
		require.Equal(t, http.StatusForbidden, api.do(rt.method, rt.path, otherTok, nil).Code, rt.path)
	}
	require.Empty(t, api.sender.phones)

	for _, rt := range routes {
		require.Equal(t, http.StatusOK, api.do(rt.method, rt.path, ownerTok, nil).Code, rt.path)
	}
	require.Len(t, api.sender.phones, 2)

	require.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/v1/meetings/ghost/absentees", ownerTok, nil).Code)
}

func TestCreateMeeting_Errors(t *testing.T) {
	api := newTestAPI(t)
	_, teacherTok := api.register(models.User{Name: "Grace", Email: "grace@example.com", Role: models.RoleTeacher, PhoneNumber: "+15559999"})
	_, studentTok := api.register(student("ada", "+15550001", "+15550002"))

	require.Equal(t, http.StatusUnauthorized, api.do(http.MethodPost, "/v1/meetings", "", gin.H{}).Code)
	require.Equal(t, http.StatusForbidden, api.do(http.MethodPost, "/v1/meetings", studentTok, gin.H{"subject": "Math", "class_name": "A"}).Code)

	past := time.Now().Add(-time.Hour)
	w := api.do(http.MethodPost, "/v1/meetings", teacherTok, gin.H{"subject": "Math", "class_name": "A", "scheduled_time": past})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "scheduled_time")

	require.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/v1/meetings", teacherTok, gin.H{"subject": "Math", "class_name": "!!"}).Code)
}

func TestUpcomingMeetings(t *testing.T) {
	api := newTestAPI(t)
	_, teacherTok := api.register(models.User{Name: "Grace", Email: "grace@example.com", Role: models.RoleTeacher, PhoneNumber: "+15559999"})

	later := time.Now().Add(48 * time.Hour).UTC()
	sooner := time.Now().Add(2 * time.Hour).UTC()
	for _, at := range []time.Time{later, sooner} {
		w := api.do(http.MethodPost, "/v1/meetings", teacherTok, gin.H{"subject": "Math", "class_name": "A", "scheduled_time": at})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	require.Equal(t, http.StatusCreated,
		api.do(http.MethodPost, "/v1/meetings", teacherTok, gin.H{"subject": "Math", "class_name": "A"}).Code)

	w := api.do(http.MethodGet, "/v1/meetings/upcoming", teacherTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Meetings []models.Meeting `json:"meetings"`
	}](t, w).Meetings
	require.Len(t, got, 2)
	require.True(t, got[0].ScheduledTime.Before(*got[1].ScheduledTime))
}

func TestCheckIn_RequiresSignal(t *testing.T) {
	api := newTestAPI(t)
	_, studentTok := api.register(student("ada", "+15550001", "+15550002"))

	require.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/v1/meetings/x/attendance", studentTok, gin.H{}).Code)
	require.Equal(t, http.StatusNotFound,
		api.do(http.MethodPost, "/v1/meetings/x/attendance", studentTok, gin.H{"verification": gin.H{"detected": true}}).Code)
	require.Equal(t, http.StatusServiceUnavailable,
		api.do(http.MethodPost, "/v1/meetings/x/attendance", studentTok, gin.H{"image_url": "https://img/a.jpg"}).Code,
		"no detector configured")
}

func TestUpload(t *testing.T) {
	api := newTestAPI(t)
	id, tok := api.register(student("ada", "+15550001", "+15550002"))

	w := api.do(http.MethodPost, "/v1/uploads", tok, gin.H{"data": "data:image/jpeg;base64,AAAA"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "snapshots/"+id)

	require.Equal(t, http.StatusBadRequest, api.do(http.MethodPost, "/v1/uploads", tok, gin.H{}).Code)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok","db":true}`, w.Body.String())
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		common.NewValidationError(errors.New("bad")): http.StatusBadRequest,
		meeting.ErrMeetingNotFound:                   http.StatusNotFound,
		meeting.ErrNotOwner:                          http.StatusForbidden,
		attendance.ErrAlreadyMarked:                  http.StatusConflict,
		attendance.ErrMeetingInactive:                http.StatusConflict,
		attendance.ErrDetectionAbsent:                http.StatusUnprocessableEntity,
		attendance.ErrStoreWriteFailed:               http.StatusServiceUnavailable,
		errors.New("disk on fire"):                   http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
}
