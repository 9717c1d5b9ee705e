package domain

import "time"

// Listing is one scraped business record produced by a source parser.
// Normalization and dedupe heuristics live downstream; the scheduler core only
// moves batches of these through the checkpoint transaction.
type Listing struct {
	ID           string  `db:"id"            json:"id"`
	TargetID     int64   `db:"target_id"     json:"target_id"`
	Source       string  `db:"source"        json:"source"`
	Name         string  `db:"name"          json:"name"`
	Phone        *string `db:"phone"         json:"phone,omitempty"`
	Website      *string `db:"website"       json:"website,omitempty"`
	Address      *string `db:"address"       json:"address,omitempty"`
	City         string  `db:"city"          json:"city"`
	CategoryName string  `db:"category_name" json:"category_name"`
	DetailURL    *string `db:"detail_url"    json:"detail_url,omitempty"`
	PageNumber   int     `db:"page_number"   json:"page_number"`

	ScrapedAt time.Time `db:"scraped_at" json:"scraped_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
