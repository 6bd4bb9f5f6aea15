package receipt

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gosimple/slug"
	"go.etcd.io/bbolt"
)

const (
	bucketName = "receipts"

	// maxIDBase keeps generated ids readable in URLs
	maxIDBase = 80
)

// DB defines the interface for receipt persistence. Records are write-once:
// there is no update or delete.
type DB interface {
	// Put stores a new receipt under a freshly generated id, sets
	// receipt.ID and returns the id. It never overwrites an existing record.
	Put(receipt *Receipt) (string, error)

	// Get retrieves a receipt by ID, or ErrNotFound
	Get(id string) (*Receipt, error)

	// List returns all receipts, newest first
	List() ([]*Receipt, error)

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

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// receiptIDBase builds the human-readable part of an id from the store name
// and receipt date, e.g. "h-e-b-2024-01-15".
func receiptIDBase(r *Receipt) string {
	name := r.Store.Name
	if name == "" {
		name = "unknown store"
	}
	date := r.Meta.Date
	if r.Meta.Timestamp != nil {
		date = r.Meta.Timestamp.Format("2006-01-02")
	}
	if date == "" {
		date = "undated"
	}

	base := slug.Make(name + " " + date)
	if len(base) > maxIDBase {
		base = base[:maxIDBase]
	}
	if base == "" {
		base = "receipt"
	}
	return base
}

// Put stores a receipt. Id allocation and the write happen in one
// transaction, so concurrent puts of the same store and date get distinct
// suffixes (-2, -3, ...).
func (b *BoltDB) Put(receipt *Receipt) (string, error) {
	base := receiptIDBase(receipt)

	var id string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))

		id = base
		for n := 2; bucket.Get([]byte(id)) != nil; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}

		stored := *receipt
		stored.ID = id
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		return bucket.Put([]byte(id), data)
	})
	if err != nil {
		return "", err
	}

	receipt.ID = id
	return id, nil
}

// Get retrieves a receipt by ID
func (b *BoltDB) Get(id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// List returns all receipts, newest first
func (b *BoltDB) List() ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt %s: %w", k, err)
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].Metadata.CreatedAt.After(receipts[j].Metadata.CreatedAt)
	})
	return receipts, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
