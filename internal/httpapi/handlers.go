// Package httpapi exposes the attendance engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/eduface/attendance/internal/attendance"
	"github.com/eduface/attendance/internal/auth"
	"github.com/eduface/attendance/internal/cloudinary"
	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/export"
	"github.com/eduface/attendance/internal/meeting"
	"github.com/eduface/attendance/internal/models"
	"github.com/eduface/attendance/internal/notify"
)

type Roster interface {
	Register(ctx context.Context, u models.User) (*models.User, error)
	Get(ctx context.Context, id string) (*models.User, error)
}

type Meetings interface {
	CreateMeeting(ctx context.Context, in meeting.CreateInput) (*models.Meeting, error)
	JoinMeeting(ctx context.Context, code string) (*models.Meeting, error)
	GetMeeting(ctx context.Context, id string) (*models.Meeting, error)
	OwnedMeeting(ctx context.Context, id, teacherID string) (*models.Meeting, error)
	EndMeeting(ctx context.Context, id, requesterID string) (*models.Meeting, error)
	ListUpcoming(ctx context.Context, teacherID string) ([]models.Meeting, error)
}

type Gate interface {
	RecordAttendance(ctx context.Context, in attendance.CheckIn) (*models.Attendance, error)
	CheckInWithImage(ctx context.Context, in attendance.CheckIn, imageURL string) (*models.Attendance, error)
	RecordDeparture(ctx context.Context, meetingID, userID string) error
	ListForMeeting(ctx context.Context, meetingID string) ([]models.Attendance, error)
	ListForStudent(ctx context.Context, userID string) ([]models.Attendance, error)
}

type Absentees interface {
	ComputeAbsentees(ctx context.Context, meetingID string) ([]models.User, error)
}

type Notifier interface {
	NotifyAbsentees(ctx context.Context, meetingID string) (*notify.Report, error)
}

type Reporter interface {
	MeetingReport(ctx context.Context, meetingID string) (*export.Workbook, error)
}

type Uploader interface {
	UploadDataURL(ctx context.Context, subfolder, data string) (*cloudinary.UploadResult, error)
	UploadFile(ctx context.Context, subfolder, filename string, r io.Reader) (*cloudinary.UploadResult, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler serves every API route. Uploader may be nil.
type Handler struct {
	Roster    Roster
	Meetings  Meetings
	Gate      Gate
	Absentees Absentees
	Notifier  Notifier
	Reporter  Reporter
	Uploader  Uploader
	Tokens    *auth.Issuer
	Health    map[string]HealthCheck

	log *zap.Logger
	now func() time.Time
}

// NewHandler wires h for serving. Zero-valued optional fields stay disabled.
func NewHandler(h Handler, log *zap.Logger) *Handler {
	h.log = log
	h.now = time.Now
	return &h
}

func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.Health {
		healthy := check(ctx) == nil
		body[name] = healthy
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

type registerResponse struct {
	User   *models.User   `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

// registerUser completes a profile. A caller presenting a valid token updates
// their own profile; everyone else gets a fresh id.
func (h *Handler) registerUser(c *gin.Context) {
	var in models.User
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	in.ID = ""
	if claims, ok := h.optionalClaims(c); ok {
		in.ID = claims.Subject
	}

	u, err := h.Roster.Register(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	tokens, err := h.Tokens.Issue(u.ID, u.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, registerResponse{User: u, Tokens: tokens})
}

func (h *Handler) optionalClaims(c *gin.Context) (auth.Claims, bool) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return auth.Claims{}, false
	}
	claims, err := h.Tokens.ParseAccess(strings.TrimSpace(authz[len("bearer "):]))
	return claims, err == nil
}

// refreshTokens exchanges a refresh token for a new pair. The role is read
// from the stored profile so role changes apply on the next refresh.
func (h *Handler) refreshTokens(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		badRequest(c, "refresh_token required")
		return
	}
	claims, err := h.Tokens.ParseRefresh(req.RefreshToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid refresh token"})
		return
	}
	u, err := h.Roster.Get(c.Request.Context(), claims.Subject)
	if errors.Is(err, common.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "invalid refresh token"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	tokens, err := h.Tokens.Issue(u.ID, u.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func subject(c *gin.Context) string {
	claims, _ := auth.ClaimsFrom(c)
	return claims.Subject
}

// ownerOnly stops the request unless the caller created the :id meeting.
func (h *Handler) ownerOnly(c *gin.Context) {
	if _, err := h.Meetings.OwnedMeeting(c.Request.Context(), c.Param("id"), subject(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Next()
}

type createMeetingRequest struct {
	Title         string     `json:"title"`
	TeacherName   string     `json:"teacher_name"`
	Subject       string     `json:"subject"`
	ClassName     string     `json:"class_name"`
	ScheduledTime *time.Time `json:"scheduled_time"`
}

func (h *Handler) createMeeting(c *gin.Context) {
	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	ctx := c.Request.Context()
	teacherID := subject(c)

	name := req.TeacherName
	if strings.TrimSpace(name) == "" {
		u, err := h.Roster.Get(ctx, teacherID)
		if err != nil {
			h.fail(c, err)
			return
		}
		name = u.Name
	}

	m, err := h.Meetings.CreateMeeting(ctx, meeting.CreateInput{
		TeacherID:     teacherID,
		Title:         req.Title,
		TeacherName:   name,
		Subject:       req.Subject,
		ClassName:     req.ClassName,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handler) listUpcoming(c *gin.Context) {
	meetings, err := h.Meetings.ListUpcoming(c.Request.Context(), subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meetings": nonNil(meetings)})
}

func (h *Handler) joinMeeting(c *gin.Context) {
	var req struct {
		MeetingCode string `json:"meeting_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	m, err := h.Meetings.JoinMeeting(c.Request.Context(), req.MeetingCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) getMeeting(c *gin.Context) {
	m, err := h.Meetings.GetMeeting(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *Handler) endMeeting(c *gin.Context) {
	m, err := h.Meetings.EndMeeting(c.Request.Context(), c.Param("id"), subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type checkInRequest struct {
	Verification *models.Verification `json:"verification"`
	ImageURL     string               `json:"image_url"`
}

// recordAttendance accepts either a verification computed on the device or
// an image URL to run through the face service.
func (h *Handler) recordAttendance(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.Verification == nil && strings.TrimSpace(req.ImageURL) == "" {
		badRequest(c, "provide verification or image_url")
		return
	}
	ctx := c.Request.Context()

	student, err := h.Roster.Get(ctx, subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	in := attendance.CheckIn{
		MeetingID:    c.Param("id"),
		UserID:       student.ID,
		StudentEmail: student.Email,
		StudentName:  student.Name,
	}

	var row *models.Attendance
	if req.Verification != nil {
		in.Verification = *req.Verification
		row, err = h.Gate.RecordAttendance(ctx, in)
	} else {
		row, err = h.Gate.CheckInWithImage(ctx, in, req.ImageURL)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.view(*row))
}

func (h *Handler) recordDeparture(c *gin.Context) {
	if err := h.Gate.RecordDeparture(c.Request.Context(), c.Param("id"), subject(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type attendanceView struct {
	models.Attendance
	Duration string `json:"duration"`
}

func (h *Handler) view(a models.Attendance) attendanceView {
	return attendanceView{Attendance: a, Duration: models.FormatDuration(a.Duration(h.now()))}
}

func (h *Handler) views(rows []models.Attendance) []attendanceView {
	out := make([]attendanceView, 0, len(rows))
	for _, a := range rows {
		out = append(out, h.view(a))
	}
	return out
}

func (h *Handler) listAttendance(c *gin.Context) {
	rows, err := h.Gate.ListForMeeting(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendance": h.views(rows)})
}

func (h *Handler) listMyAttendance(c *gin.Context) {
	rows, err := h.Gate.ListForStudent(c.Request.Context(), subject(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attendance": h.views(rows)})
}

func (h *Handler) computeAbsentees(c *gin.Context) {
	id := c.Param("id")
	absent, err := h.Absentees.ComputeAbsentees(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meeting_id": id, "count": len(absent), "absentees": nonNil(absent)})
}

func (h *Handler) notifyAbsentees(c *gin.Context) {
	report, err := h.Notifier.NotifyAbsentees(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *Handler) exportReport(c *gin.Context) {
	wb, err := h.Reporter.MeetingReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	defer wb.Close()

	c.Header("Content-Disposition", `attachment; filename="`+wb.Filename+`"`)
	c.Header("Content-Type", xlsxContentType)
	c.Status(http.StatusOK)
	if err := wb.Write(c.Writer); err != nil {
		h.log.Error("write report failed", zap.String("meeting_id", c.Param("id")), zap.Error(err))
	}
}

// upload stores a snapshot and returns its public URL for use as a check-in
// image_url. Accepts a multipart "file" or JSON {"data": "<data URL>"}.
func (h *Handler) upload(c *gin.Context) {
	if h.Uploader == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "image storage not configured"})
		return
	}
	ctx := c.Request.Context()
	folder := "snapshots/" + subject(c)

	var (
		res *cloudinary.UploadResult
		err error
	)
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, hdr, ferr := c.Request.FormFile("file")
		if ferr != nil {
			badRequest(c, "file field required")
			return
		}
		defer file.Close()
		res, err = h.Uploader.UploadFile(ctx, folder, hdr.Filename, file)
	} else {
		var body struct {
			Data string `json:"data"`
		}
		if berr := c.ShouldBindJSON(&body); berr != nil || body.Data == "" {
			badRequest(c, `provide {"data": "<base64 data URL>"}`)
			return
		}
		res, err = h.Uploader.UploadDataURL(ctx, folder, body.Data)
	}
	if err != nil {
		if errors.Is(err, cloudinary.ErrNotConfigured) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "image storage not configured"})
			return
		}
		h.log.Warn("snapshot upload failed", zap.String("user_id", subject(c)), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, errorResponse{Error: "image upload failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":       res.SecureURL,
		"public_id": res.PublicID,
		"width":     res.Width,
		"height":    res.Height,
		"bytes":     res.Bytes,
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
