package models

import (
	"time"

	"github.com/google/uuid"
)

// Project groups a user's uploaded images and generation jobs.
type Project struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	OwnerName string    `db:"owner_name" json:"owner_name"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ImageRef points at one uploaded image on disk. Target images are mosaic
// inputs; everything else in a project is tile material.
type ImageRef struct {
	ID          uuid.UUID `db:"id"           json:"image_id"`
	ProjectID   uuid.UUID `db:"project_id"   json:"project_id"`
	Name        string    `db:"name"         json:"name"`
	ContentType string    `db:"content_type" json:"content_type"`
	FilePath    string    `db:"file_path"    json:"-"`
	IsTarget    bool      `db:"is_target"    json:"is_target"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
