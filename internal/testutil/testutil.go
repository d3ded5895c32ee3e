// Package testutil builds in-memory databases and catalog fixtures for package tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-ticket-commerce/internal/models"
	"ms-ticket-commerce/internal/utils"
)

// NewDB returns a private in-memory sqlite database with every table created.
// The pool is capped at one connection, so code under test must route all
// statements inside a transaction through that transaction.
func NewDB(t *testing.T) *bun.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, models.CreateSchema(context.Background(), db))
	t.Cleanup(func() { db.Close() })
	return db
}

// Fixture seeds a published event with one organization and fee schedule.
type Fixture struct {
	DB           *bun.DB
	Organization *models.Organization
	FeeSchedule  *models.FeeSchedule
	Event        *models.Event
	Now          time.Time
}

// FeeRange is a bracket for NewFixture.
type FeeRange struct {
	Min, Company, Client int64
}

func NewFixture(t *testing.T, ranges ...FeeRange) *Fixture {
	t.Helper()
	return Seed(t, NewDB(t), ranges...)
}

// Seed writes the fixture rows into an existing database.
func Seed(t *testing.T, db *bun.DB, ranges ...FeeRange) *Fixture {
	t.Helper()
	now := utils.Now()

	if len(ranges) == 0 {
		ranges = []FeeRange{{Min: 0, Company: 10, Client: 10}}
	}

	schedule := &models.FeeSchedule{ID: uuid.New(), Name: "Default", Version: 1, CreatedAt: now}
	Insert(t, db, schedule)
	for _, r := range ranges {
		Insert(t, db, &models.FeeScheduleRange{
			ID:                uuid.New(),
			FeeScheduleID:     schedule.ID,
			MinPriceInCents:   r.Min,
			FeeInCents:        r.Company + r.Client,
			CompanyFeeInCents: r.Company,
			ClientFeeInCents:  r.Client,
			CreatedAt:         now,
		})
	}

	org := &models.Organization{
		ID:                      uuid.New(),
		Name:                    "Org",
		FeeScheduleID:           &schedule.ID,
		MaxAdditionalFeeInCents: 1000,
		Currency:                "USD",
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	Insert(t, db, org)

	start := now.Add(30 * 24 * time.Hour)
	end := start.Add(4 * time.Hour)
	door := start.Add(-time.Hour)
	event := &models.Event{
		ID:             uuid.New(),
		OrganizationID: org.ID,
		Name:           "Event",
		Status:         models.EventStatusPublished,
		EventStart:     &start,
		DoorTime:       &door,
		EventEnd:       &end,
		PublishedAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	Insert(t, db, event)

	return &Fixture{DB: db, Organization: org, FeeSchedule: schedule, Event: event, Now: now}
}

// TicketTypeOpts tweaks AddTicketType.
type TicketTypeOpts struct {
	Increment      int64
	LimitPerPerson int64
	AdditionalFee  int64
	Visibility     models.TicketTypeVisibility
	ParentID       *uuid.UUID
	StartDate      *time.Time
	Unregistered   bool
}

// AddTicketType creates a ticket type with a Default pricing row, a
// registered asset and quantity Available instances.
func (f *Fixture) AddTicketType(t *testing.T, name string, price, quantity int64, opts ...TicketTypeOpts) *models.TicketType {
	t.Helper()
	var o TicketTypeOpts
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Increment == 0 {
		o.Increment = 1
	}
	if o.Visibility == "" {
		o.Visibility = models.TicketTypeVisibilityAlways
	}
	start := f.Now.Add(-24 * time.Hour)
	if o.StartDate != nil {
		start = *o.StartDate
	}
	var startDate *time.Time
	if o.ParentID == nil || o.StartDate != nil {
		startDate = &start
	}

	tt := &models.TicketType{
		ID:                   uuid.New(),
		EventID:              f.Event.ID,
		Name:                 name,
		Status:               models.TicketTypeStatusPublished,
		StartDate:            startDate,
		EndDateType:          models.EndDateTypeEventStart,
		Increment:            o.Increment,
		LimitPerPerson:       o.LimitPerPerson,
		Visibility:           o.Visibility,
		ParentID:             o.ParentID,
		AdditionalFeeInCents: o.AdditionalFee,
		PriceInCents:         price,
		CreatedAt:            f.Now,
		UpdatedAt:            f.Now,
	}
	Insert(t, f.DB, tt)

	Insert(t, f.DB, &models.TicketPricing{
		ID:           uuid.New(),
		TicketTypeID: tt.ID,
		Name:         "Default",
		Status:       models.TicketPricingStatusDefault,
		PriceInCents: price,
		StartDate:    f.Now.Add(-365 * 24 * time.Hour),
		EndDate:      f.Now.Add(365 * 24 * time.Hour),
		CreatedAt:    f.Now,
		UpdatedAt:    f.Now,
	})

	asset := &models.Asset{
		ID:             uuid.New(),
		TicketTypeID:   tt.ID,
		Name:           name,
		BlockchainName: name,
		CreatedAt:      f.Now,
		UpdatedAt:      f.Now,
	}
	if !o.Unregistered {
		chainID := "asset-" + tt.ID.String()
		asset.BlockchainAssetID = &chainID
	}
	Insert(t, f.DB, asset)

	instances := make([]*models.TicketInstance, 0, quantity)
	for i := int64(0); i < quantity; i++ {
		instances = append(instances, &models.TicketInstance{
			ID:           uuid.New(),
			AssetID:      asset.ID,
			TicketTypeID: tt.ID,
			TokenID:      i + 1,
			Status:       models.TicketInstanceStatusAvailable,
			CreatedAt:    f.Now,
			UpdatedAt:    f.Now,
		})
	}
	if len(instances) > 0 {
		_, err := f.DB.NewInsert().Model(&instances).Exec(context.Background())
		require.NoError(t, err)
	}
	return tt
}

// AddUser creates a buyer.
func (f *Fixture) AddUser(t *testing.T) *models.User {
	t.Helper()
	email := uuid.NewString() + "@example.com"
	u := &models.User{ID: uuid.New(), FirstName: "Test", LastName: "User", Email: &email, CreatedAt: f.Now}
	Insert(t, f.DB, u)
	return u
}

// Insert stores any model or fails the test.
func Insert(t *testing.T, db bun.IDB, model interface{}) {
	t.Helper()
	_, err := db.NewInsert().Model(model).Exec(context.Background())
	require.NoError(t, err)
}

// FixedClock always returns at.
func FixedClock(at time.Time) utils.Clock {
	return func() time.Time { return at }
}
