package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PharmacyFixture represents test pharmacy data
type PharmacyFixture struct {
	ID            string
	Name          string
	LicenseNumber string
	CreatedAt     time.Time
}

// OrderItemFixture represents one line of a test order
type OrderItemFixture struct {
	ID            string
	DrugID        string
	DrugPartition *string
	Quantity      int
}

// OrderFixture represents test order data
type OrderFixture struct {
	ID         string
	PharmacyID string
	Status     string
	CreatedAt  time.Time
	Items      []OrderItemFixture
}

// ChemicalDrugFixture represents a chemical catalog entry
type ChemicalDrugFixture struct {
	ID           string
	GenericName  string
	Company      string
	IRCCode      string
	PackageCount *int
}

// FixtureFactory creates test fixtures with sensible defaults
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

// Pharmacy creates a pharmacy fixture with defaults
func (f *FixtureFactory) Pharmacy(opts ...func(*PharmacyFixture)) PharmacyFixture {
	seq := f.nextSeq()

	p := PharmacyFixture{
		ID:            uuid.New().String(),
		Name:          fmt.Sprintf("Pharmacy %d", seq),
		LicenseNumber: fmt.Sprintf("LIC-%04d", seq),
		CreatedAt:     time.Now(),
	}

	for _, opt := range opts {
		opt(&p)
	}

	return p
}

// WithPharmacyName sets the pharmacy name
func WithPharmacyName(name string) func(*PharmacyFixture) {
	return func(p *PharmacyFixture) {
		p.Name = name
	}
}

// Order creates an order fixture for pharmacyID with defaults. Orders start
// payment verified so their items count as demand.
func (f *FixtureFactory) Order(pharmacyID string, opts ...func(*OrderFixture)) OrderFixture {
	f.nextSeq()

	o := OrderFixture{
		ID:         uuid.New().String(),
		PharmacyID: pharmacyID,
		Status:     "payment_verified",
		CreatedAt:  time.Now(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// WithOrderStatus sets the order workflow status
func WithOrderStatus(status string) func(*OrderFixture) {
	return func(o *OrderFixture) {
		o.Status = status
	}
}

// WithItem adds a line for drugID to the order
func WithItem(drugID string, quantity int) func(*OrderFixture) {
	return func(o *OrderFixture) {
		o.Items = append(o.Items, OrderItemFixture{
			ID:       uuid.New().String(),
			DrugID:   drugID,
			Quantity: quantity,
		})
	}
}

// WithTaggedItem adds a line whose drug carries a partition hint
func WithTaggedItem(drugID, partition string, quantity int) func(*OrderFixture) {
	return func(o *OrderFixture) {
		o.Items = append(o.Items, OrderItemFixture{
			ID:            uuid.New().String(),
			DrugID:        drugID,
			DrugPartition: &partition,
			Quantity:      quantity,
		})
	}
}

// ChemicalDrug creates a chemical catalog fixture
func (f *FixtureFactory) ChemicalDrug(id, genericName string) ChemicalDrugFixture {
	seq := f.nextSeq()
	return ChemicalDrugFixture{
		ID:          id,
		GenericName: genericName,
		Company:     "Test Pharma",
		IRCCode:     fmt.Sprintf("IRC-%05d", seq),
	}
}

// InsertPharmacy writes p to the pharmacies table
func InsertPharmacy(ctx context.Context, db *sqlx.DB, p PharmacyFixture) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO pharmacies (id, name, license_number, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.LicenseNumber, p.CreatedAt)
	return err
}

// InsertOrder writes o and its items
func InsertOrder(ctx context.Context, db *sqlx.DB, o OrderFixture) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, pharmacy_id, status, total_items, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		o.ID, o.PharmacyID, o.Status, len(o.Items), o.CreatedAt); err != nil {
		return err
	}

	for _, it := range o.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (id, order_id, drug_id, drug_partition, quantity) VALUES ($1, $2, $3, $4, $5)`,
			it.ID, o.ID, it.DrugID, it.DrugPartition, it.Quantity); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SetOrderStatus moves an order to status the way the portal backend does
func SetOrderStatus(ctx context.Context, db *sqlx.DB, orderID, status string) error {
	_, err := db.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, orderID, status)
	return err
}

// InsertChemicalDrug writes d to the chemical catalog partition
func InsertChemicalDrug(ctx context.Context, db *sqlx.DB, d ChemicalDrugFixture) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO chemical_drugs (id, generic_name, company, irc_code, package_count) VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.GenericName, d.Company, d.IRCCode, d.PackageCount)
	return err
}
