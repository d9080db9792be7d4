// Package seats stores the paid seat configuration of each tenant.
package seats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/LeventeLantos/conversation-engine/internal/apperr"
)

type TenantSeats struct {
	TenantID   string    `gorm:"primaryKey;size:128" json:"tenant_id"`
	BaseSeats  int       `gorm:"not null" json:"base_seats"`
	AddOnSeats int       `gorm:"not null;default:0" json:"add_on_seats"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (TenantSeats) TableName() string { return "tenant_seats" }

func (t TenantSeats) Capacity() int {
	return t.BaseSeats + t.AddOnSeats
}

// CapacityProvider answers how many distinct members a tenant may assign.
type CapacityProvider interface {
	GetCapacity(ctx context.Context, tenantID string) (int, error)
}

type Store struct {
	db          *gorm.DB
	defaultBase int
}

var _ CapacityProvider = (*Store)(nil)

// Open connects to Postgres when postgresURL is set and to a SQLite file at
// sqlitePath otherwise, then migrates the seats table.
func Open(postgresURL, sqlitePath string, defaultBase int) (*Store, error) {
	var dialector gorm.Dialector
	if postgresURL != "" {
		dialector = postgres.Open(postgresURL)
	} else {
		dialector = sqlite.Open(sqlitePath)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open seats db: %w", err)
	}
	return New(db, defaultBase)
}

func New(db *gorm.DB, defaultBase int) (*Store, error) {
	if err := db.AutoMigrate(&TenantSeats{}); err != nil {
		return nil, fmt.Errorf("migrate seats: %w", err)
	}
	return &Store{db: db, defaultBase: defaultBase}, nil
}

// Get returns the tenant's configuration. Unknown tenants get the default
// base seats and no add-ons.
func (s *Store) Get(ctx context.Context, tenantID string) (TenantSeats, error) {
	var row TenantSeats
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TenantSeats{TenantID: tenantID, BaseSeats: s.defaultBase}, nil
	}
	if err != nil {
		return TenantSeats{}, err
	}
	return row, nil
}

func (s *Store) GetCapacity(ctx context.Context, tenantID string) (int, error) {
	row, err := s.Get(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return row.Capacity(), nil
}

func (s *Store) SetSeats(ctx context.Context, tenantID string, base, addOns int) (TenantSeats, error) {
	var errs []error
	if tenantID == "" {
		errs = append(errs, apperr.Invalid("tenant_id", "required"))
	}
	if base < 0 {
		errs = append(errs, apperr.Invalid("base_seats", "must be >= 0"))
	}
	if addOns < 0 {
		errs = append(errs, apperr.Invalid("add_on_seats", "must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return TenantSeats{}, err
	}

	row := TenantSeats{
		TenantID:   tenantID,
		BaseSeats:  base,
		AddOnSeats: addOns,
		UpdatedAt:  time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"base_seats", "add_on_seats", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return TenantSeats{}, err
	}
	return row, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
