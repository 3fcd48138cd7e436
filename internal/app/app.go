// Package app assembles the services shared by the api and worker binaries
// from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eduface/attendance/internal/attendance"
	"github.com/eduface/attendance/internal/config"
	"github.com/eduface/attendance/internal/export"
	"github.com/eduface/attendance/internal/faceclient"
	"github.com/eduface/attendance/internal/meeting"
	"github.com/eduface/attendance/internal/messaging"
	"github.com/eduface/attendance/internal/models"
	"github.com/eduface/attendance/internal/notify"
	"github.com/eduface/attendance/internal/queue"
	"github.com/eduface/attendance/internal/reconcile"
	"github.com/eduface/attendance/internal/roster"
	"github.com/eduface/attendance/internal/store"
	"github.com/eduface/attendance/internal/worker"
)

// Repository is everything the engine reads and writes. Both the Postgres
// repository and the in-memory store satisfy it.
type Repository interface {
	Ping(ctx context.Context) error

	UpsertUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsersByRole(ctx context.Context, role models.Role) ([]models.User, error)

	InsertMeeting(ctx context.Context, m *models.Meeting) error
	GetMeeting(ctx context.Context, id string) (*models.Meeting, error)
	FindActiveMeetingsByCode(ctx context.Context, code string) ([]models.Meeting, error)
	EndMeeting(ctx context.Context, id string, endedAt time.Time) (bool, error)
	ListUpcomingMeetings(ctx context.Context, teacherID string, from time.Time) ([]models.Meeting, error)

	InsertAttendance(ctx context.Context, a *models.Attendance) error
	MarkAttendanceLeft(ctx context.Context, meetingID, userID string, leftAt time.Time) (bool, error)
	ListAttendanceByMeeting(ctx context.Context, meetingID string) ([]models.Attendance, error)
	ListAttendanceByUser(ctx context.Context, userID string) ([]models.Attendance, error)
}

var (
	_ Repository = (*store.Repository)(nil)
	_ Repository = (*store.Memory)(nil)
)

// App holds the wired services. Close releases connections.
type App struct {
	Config config.App
	Log    *zap.Logger

	Repo  Repository
	Redis *store.Redis
	Queue queue.Queue

	Roster     *roster.Service
	Meetings   *meeting.Manager
	Gate       *attendance.Gate
	Reconciler *reconcile.Reconciler
	Dispatcher *notify.Dispatcher
	Reporter   *export.Reporter
	Face       *faceclient.Client

	closers []func() error
}

// New connects the configured backends and builds every service.
func New(ctx context.Context, cfg config.App, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	repo, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Repo = repo

	q, err := a.openQueue()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Queue = q

	sender, err := newSender(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Face = faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	a.Roster = roster.NewService(repo, log.Named("roster"))
	a.Meetings = meeting.NewManager(repo, q, meeting.Options{
		Prefix:   cfg.AppPrefix,
		Location: cfg.Location,
	}, log.Named("meeting"))
	a.Gate = attendance.NewGate(repo, a.Face, cfg.GateMinConfidence, log.Named("gate"))
	a.Reconciler = reconcile.New(repo, repo, repo)
	a.Dispatcher = notify.NewDispatcher(repo, a.Reconciler, sender, notify.Options{
		Workers:  cfg.NotifyWorkers,
		AppName:  cfg.AppPrefix,
		Location: cfg.Location,
	}, log.Named("notify"))
	a.Reporter = export.NewReporter(repo, repo, a.Reconciler, cfg.Location)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (Repository, error) {
	switch a.Config.StoreBackend {
	case "memory":
		a.Log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	case "postgres":
		db, err := store.NewDB(ctx, a.Config.DatabaseURL)
		if db != nil {
			a.closers = append(a.closers, db.Close)
		}
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if a.Config.MigrateOnStart {
			if err := store.Migrate(ctx, db.Client); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return store.NewRepository(db.Client), nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", a.Config.StoreBackend)
	}
}

func (a *App) openQueue() (queue.Queue, error) {
	switch a.Config.QueueBackend {
	case "memory":
		return queue.NewInMemory(64), nil
	case "redis":
		a.Redis = a.redis()
		return queue.NewRedisQueue(a.Redis.Client, queue.DefaultKey), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", a.Config.QueueBackend)
	}
}

// StartInProcessWorker consumes an in-memory queue from this process until
// ctx is done. It returns false for shared queues, which the worker binary
// drains instead.
func (a *App) StartInProcessWorker(ctx context.Context) bool {
	if _, ok := a.Queue.(*queue.InMemory); !ok {
		return false
	}
	w := worker.New(a.Dispatcher, a.Config.NotifyOnEnd, a.Log.Named("worker"))
	go func() {
		if err := w.Run(ctx, a.Queue); err != nil {
			a.Log.Error("in-process worker stopped", zap.Error(err))
		}
	}()
	return true
}

// redis returns the shared client, connecting on first use.
func (a *App) redis() *store.Redis {
	if a.Redis == nil {
		a.Redis = store.NewRedis(a.Config.RedisAddr)
		a.closers = append(a.closers, a.Redis.Close)
	}
	return a.Redis
}

// SharedRedis exposes the lazily created client to other components.
func (a *App) SharedRedis() *store.Redis { return a.redis() }

func newSender(cfg config.App, log *zap.Logger) (messaging.Sender, error) {
	switch cfg.MessagingBackend {
	case "log":
		return messaging.NewLogSender(log.Named("messaging")), nil
	case "whatsapp":
		if cfg.WhatsAppToken == "" || cfg.WhatsAppPhoneNumberID == "" {
			return nil, errors.New("whatsapp backend needs WHATSAPP_TOKEN and WHATSAPP_PHONE_NUMBER_ID")
		}
		return messaging.NewWhatsAppSender(cfg.WhatsAppAPIURL, cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID), nil
	default:
		return nil, fmt.Errorf("unknown MESSAGING_BACKEND %q", cfg.MessagingBackend)
	}
}

// Close releases every opened connection, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
