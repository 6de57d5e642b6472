package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/bookdash/bookdash/internal/queue"
)

const (
	jobsBucket     = "jobs"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

var (
	// ErrJobNotFound is returned when a job cannot be found
	ErrJobNotFound = errors.New("job not found")
)

// BboltRepository persists jobs in a bbolt database
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository opens (creating if needed) the database at dbPath
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{
		db: db,
	}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

// initialize sets up buckets and schema
func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(jobsBucket))
		if err != nil {
			return fmt.Errorf("failed to create jobs bucket: %w", err)
		}

		metadataBucket, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))
		err = metadataBucket.Put([]byte("schema_version"), versionBytes)
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a job to storage
func (r *BboltRepository) Save(job *queue.Job) error {
	if job == nil {
		return errors.New("cannot save nil job")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		err = bucket.Put([]byte(job.ID.String()), data)
		if err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}

		return nil
	})
}

// Find retrieves a job by ID
func (r *BboltRepository) Find(id uuid.UUID) (*queue.Job, error) {
	if id == uuid.Nil {
		return nil, errors.New("job ID cannot be empty")
	}

	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		data = bucket.Get([]byte(id.String()))
		if data == nil {
			return ErrJobNotFound
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	job := &queue.Job{}

	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return job, nil
}

// FindAll retrieves every stored job
func (r *BboltRepository) FindAll() ([]*queue.Job, error) {
	var jobs []*queue.Job

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		return bucket.ForEach(func(k, v []byte) error {
			job := &queue.Job{}

			if err := json.Unmarshal(v, job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}

			jobs = append(jobs, job)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return jobs, nil
}

// Delete removes a job
func (r *BboltRepository) Delete(id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("job ID cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(jobsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", jobsBucket)
		}

		if bucket.Get([]byte(id.String())) == nil {
			return ErrJobNotFound
		}

		return bucket.Delete([]byte(id.String()))
	})
}

// Close closes the database
func (r *BboltRepository) Close() error {
	return r.db.Close()
}
