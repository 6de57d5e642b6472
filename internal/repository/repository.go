package repository

import (
	"github.com/google/uuid"

	"github.com/bookdash/bookdash/internal/queue"
)

type Repository interface {
	Save(job *queue.Job) error
	Find(id uuid.UUID) (*queue.Job, error)
	FindAll() ([]*queue.Job, error)
	Delete(id uuid.UUID) error
}
