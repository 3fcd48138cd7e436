// Package roster registers users and answers the read-only roster queries the
// reconciler and dispatcher depend on.
package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/models"
)

var (
	ErrUserNotFound = fmt.Errorf("user %w", common.ErrNotFound)

	// ErrInvalidProfile is the cause of registration validation failures.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Repository is the roster storage the service needs.
type Repository interface {
	UpsertUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	ListUsersByRole(ctx context.Context, role models.Role) ([]models.User, error)
}

// Service coordinates profile registration and roster lookups.
type Service struct {
	repo     Repository
	validate *validator.Validate
	log      *zap.Logger
}

// NewService creates a roster service.
func NewService(repo Repository, log *zap.Logger) *Service {
	v := common.NewValidator()
	v.RegisterStructValidation(guardianRequired, models.User{})
	return &Service{repo: repo, validate: v, log: log}
}

// guardianRequired enforces that students carry a guardian number.
func guardianRequired(sl validator.StructLevel) {
	u, ok := sl.Current().Interface().(models.User)
	if !ok {
		return
	}
	if u.IsStudent() && strings.TrimSpace(u.GuardianPhoneNumber) == "" {
		sl.ReportError(u.GuardianPhoneNumber, "guardian_phone_number", "GuardianPhoneNumber", "required_if", "role student")
	}
}

// Register validates and stores a user profile. A missing id is assigned here;
// createdAt is set on first registration and kept afterwards.
func (s *Service) Register(ctx context.Context, u models.User) (*models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Name = strings.TrimSpace(u.Name)
	u.Email = strings.TrimSpace(u.Email)
	u.PhoneNumber = strings.TrimSpace(u.PhoneNumber)
	u.GuardianPhoneNumber = strings.TrimSpace(u.GuardianPhoneNumber)

	if err := s.validate.Struct(u); err != nil {
		return nil, common.FromValidator(ErrInvalidProfile, err)
	}
	if err := s.repo.UpsertUser(ctx, &u); err != nil {
		return nil, err
	}
	s.log.Info("user registered", zap.String("user_id", u.ID), zap.String("role", string(u.Role)))
	return &u, nil
}

// Get returns a user by id.
func (s *Service) Get(ctx context.Context, id string) (*models.User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// Students returns the full student roster ordered by name.
func (s *Service) Students(ctx context.Context) ([]models.User, error) {
	return s.repo.ListUsersByRole(ctx, models.RoleStudent)
}
