// Package audit persists terminal orders together with their risk outcome.
package audit

import (
	"context"
	"time"

	"oms/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrderRecord is the persisted form of an order.
type OrderRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	CorrelationID string `gorm:"size:64;index"`
	AccountID     string `gorm:"size:64;index"`
	Symbol        string `gorm:"size:32"`
	Side          string `gorm:"size:8"`
	Type          string `gorm:"size:16"`
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Status        string `gorm:"size:24;index"`
	Venue         string `gorm:"size:64"`
	VenueOrderID  string `gorm:"size:128"`
	ErrorKind     string `gorm:"size:32"`
	Reason        string
	Risk          string
	History       string
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false;index"`
}

func (OrderRecord) TableName() string { return "oms_orders" }

// RiskRecord is one evaluated risk rule of an order.
type RiskRecord struct {
	OrderID string `gorm:"primaryKey;size:64"`
	Rule    string `gorm:"primaryKey;size:32"`
	Passed  bool
	Value   decimal.Decimal
	Limit   decimal.Decimal
	Detail  string
}

func (RiskRecord) TableName() string { return "oms_risk_results" }

// NewOrderRecord converts an order for storage.
func NewOrderRecord(o schema.Order) (OrderRecord, error) {
	rec := OrderRecord{
		ID:            o.ID,
		CorrelationID: o.CorrelationID,
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Side:          o.Side.String(),
		Type:          o.Type.String(),
		Quantity:      o.Quantity,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		Status:        o.Status.String(),
		Venue:         o.Venue,
		VenueOrderID:  o.VenueOrderID,
		ErrorKind:     o.ErrorKind,
		Reason:        o.Reason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	history, err := sonic.ConfigFastest.MarshalToString(o.History)
	if err != nil {
		return OrderRecord{}, errors.Wrap(err, "marshal history")
	}
	rec.History = history
	if o.Risk != nil {
		r, err := sonic.ConfigFastest.MarshalToString(o.Risk)
		if err != nil {
			return OrderRecord{}, errors.Wrap(err, "marshal risk")
		}
		rec.Risk = r
	}
	return rec, nil
}

// Store writes audit records through gorm.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the audit tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&OrderRecord{}, &RiskRecord{}); err != nil {
		return errors.Wrap(err, "migrate audit tables")
	}
	return nil
}

// Save upserts an order and its risk rules in one transaction.
func (s *Store) Save(ctx context.Context, o schema.Order) error {
	rec, err := NewOrderRecord(o)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return errors.Wrapf(err, "upsert order %s", o.ID)
		}
		if o.Risk == nil || len(o.Risk.Rules) == 0 {
			return nil
		}
		rules := make([]RiskRecord, 0, len(o.Risk.Rules))
		for _, r := range o.Risk.Rules {
			rules = append(rules, RiskRecord{
				OrderID: o.ID,
				Rule:    string(r.Rule),
				Passed:  r.Passed,
				Value:   r.Value,
				Limit:   r.Limit,
				Detail:  r.Detail,
			})
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rules).Error; err != nil {
			return errors.Wrapf(err, "upsert risk results %s", o.ID)
		}
		return nil
	})
}

// Order returns the stored record for id.
func (s *Store) Order(ctx context.Context, id string) (OrderRecord, error) {
	var rec OrderRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return OrderRecord{}, errors.Wrapf(err, "find order %s", id)
	}
	return rec, nil
}

// RiskResults returns the stored risk rules of an order.
func (s *Store) RiskResults(ctx context.Context, orderID string) ([]RiskRecord, error) {
	var out []RiskRecord
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("rule").Find(&out).Error; err != nil {
		return nil, errors.Wrapf(err, "find risk results %s", orderID)
	}
	return out, nil
}

// ByAccount returns the most recent orders of an account.
func (s *Store) ByAccount(ctx context.Context, accountID string, limit int) ([]OrderRecord, error) {
	var out []OrderRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrapf(err, "find orders of %s", accountID)
	}
	return out, nil
}
