package models

import "time"

// CollectionStatus is the install state of a tile collection. The transition
// to CollectionDownloading doubles as the claim that serializes concurrent
// install attempts for one collection id.
type CollectionStatus string

const (
	CollectionNotInstalled CollectionStatus = "notinstalled"
	CollectionDownloading  CollectionStatus = "downloading"
	CollectionReady        CollectionStatus = "ready"
)

// TileCollection stores the durable state of a configured collection. Static
// metadata (name, download URL, installer type) lives in the catalog config;
// rows are seeded at startup and mutated only by install/uninstall.
type TileCollection struct {
	ID             string           `db:"id"               json:"id"`
	Status         CollectionStatus `db:"status"           json:"status"`
	InstallDate    *time.Time       `db:"install_date"     json:"install_date,omitempty"`
	TrueImageCount int              `db:"true_image_count" json:"true_image_count"`
}
