package customer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	customersBucket   = "customers"
	uploadsBucket     = "uploads"
	extractionsBucket = "extractions"
	usageBucket       = "usage"
)

// DB defines the interface for database operations
type DB interface {
	Store

	// ListCustomers returns every customer of a tenant
	ListCustomers(ctx context.Context, tenantID string) ([]*Customer, error)

	// SaveUpload saves an upload row
	SaveUpload(ctx context.Context, upload *Upload) error

	// GetUpload returns a tenant's upload by ID
	GetUpload(ctx context.Context, tenantID, id string) (*Upload, error)

	// RecordUsage adds to a user's usage for the day in usage.Day
	RecordUsage(ctx context.Context, usage Usage) error

	// GetUsage returns a user's usage for a day, zero if nothing was recorded
	GetUsage(ctx context.Context, userID, day string) (*Usage, error)

	// GetExtraction returns a cached extraction created at or after notBefore
	GetExtraction(ctx context.Context, tenant, hash string, notBefore time.Time) (*Extraction, error)

	// PutExtraction stores an extraction, replacing any previous one for the same image
	PutExtraction(ctx context.Context, extraction *Extraction) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{customersBucket, uploadsBucket, extractionsBucket, usageBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// compositeKey joins key parts with a NUL separator so prefixes never collide
func compositeKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

func (b *BoltDB) put(bucket string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", bucket, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put(key, data)
	})
}

func (b *BoltDB) get(bucket string, key []byte, v any) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

// FindCustomer looks up a customer by tenant and email
func (b *BoltDB) FindCustomer(_ context.Context, tenantID, email string) (*Customer, error) {
	var customer Customer
	if err := b.get(customersBucket, compositeKey(tenantID, email), &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// InsertCustomer stores a new customer
func (b *BoltDB) InsertCustomer(_ context.Context, customer *Customer) error {
	return b.put(customersBucket, compositeKey(customer.TenantID, customer.Email), customer)
}

// UpdateCustomer overwrites a stored customer
func (b *BoltDB) UpdateCustomer(_ context.Context, customer *Customer) error {
	return b.put(customersBucket, compositeKey(customer.TenantID, customer.Email), customer)
}

// ListCustomers returns every customer of a tenant ordered by email
func (b *BoltDB) ListCustomers(_ context.Context, tenantID string) ([]*Customer, error) {
	customers := make([]*Customer, 0)
	prefix := compositeKey(tenantID, "")
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(customersBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var customer Customer
			if err := json.Unmarshal(v, &customer); err != nil {
				return fmt.Errorf("unmarshaling customer: %w", err)
			}
			customers = append(customers, &customer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return customers, nil
}

// SaveUpload saves an upload row
func (b *BoltDB) SaveUpload(_ context.Context, upload *Upload) error {
	return b.put(uploadsBucket, []byte(upload.ID), upload)
}

// GetUpload retrieves an upload by ID; uploads of other tenants are not found
func (b *BoltDB) GetUpload(_ context.Context, tenantID, id string) (*Upload, error) {
	var upload Upload
	if err := b.get(uploadsBucket, []byte(id), &upload); err != nil {
		return nil, fmt.Errorf("upload %s: %w", id, err)
	}
	if upload.TenantID != tenantID {
		return nil, fmt.Errorf("upload %s: %w", id, ErrNotFound)
	}
	return &upload, nil
}

// RecordUsage adds to a user's usage for the day in one transaction
func (b *BoltDB) RecordUsage(_ context.Context, delta Usage) error {
	key := compositeKey(delta.UserID, delta.Day)
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(usageBucket))
		usage := Usage{UserID: delta.UserID, Day: delta.Day}
		if data := bucket.Get(key); data != nil {
			if err := json.Unmarshal(data, &usage); err != nil {
				return fmt.Errorf("unmarshaling usage: %w", err)
			}
		}
		usage.Requests += delta.Requests
		usage.PromptTokens += delta.PromptTokens
		usage.OutputTokens += delta.OutputTokens
		usage.TotalTokens += delta.TotalTokens

		data, err := json.Marshal(usage)
		if err != nil {
			return fmt.Errorf("marshaling usage: %w", err)
		}
		return bucket.Put(key, data)
	})
}

// GetUsage returns a user's usage for a day
func (b *BoltDB) GetUsage(_ context.Context, userID, day string) (*Usage, error) {
	usage := Usage{UserID: userID, Day: day}
	err := b.get(usageBucket, compositeKey(userID, day), &usage)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &usage, nil
}

// GetExtraction returns a cached extraction that is not older than notBefore
func (b *BoltDB) GetExtraction(_ context.Context, tenant, hash string, notBefore time.Time) (*Extraction, error) {
	var extraction Extraction
	if err := b.get(extractionsBucket, compositeKey(tenant, hash), &extraction); err != nil {
		return nil, err
	}
	if extraction.CreatedAt.Before(notBefore) {
		return nil, ErrNotFound
	}
	return &extraction, nil
}

// PutExtraction stores an extraction
func (b *BoltDB) PutExtraction(_ context.Context, extraction *Extraction) error {
	return b.put(extractionsBucket, compositeKey(extraction.Tenant, extraction.Hash), extraction)
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
