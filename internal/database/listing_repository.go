package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/leadharvest/bizcrawl/internal/domain"
)

// ListingRepository persists scraped business listings. It implements
// ResultSink so listing rows land in the same transaction as the page
// checkpoint that produced them.
type ListingRepository struct{}

// NewListingRepository creates a new listing repository.
func NewListingRepository() *ListingRepository {
	return &ListingRepository{}
}

// Compile-time check that ListingRepository satisfies ResultSink.
var _ ResultSink = (*ListingRepository)(nil)

// UpsertResults upserts a batch of listings within the supplied transaction.
// The natural key is (source, city, category_name, name): a re-crawl of the
// same page updates contact fields rather than duplicating rows. Records whose
// content is unchanged count as skipped.
func (r *ListingRepository) UpsertResults(
	ctx context.Context,
	tx *sqlx.Tx,
	records []domain.Listing,
) (UpsertStats, error) {
	query := `
		INSERT INTO business_listings
			(id, target_id, source, name, phone, website, address, city,
			 category_name, detail_url, page_number, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source, city, category_name, name) DO UPDATE SET
			phone = COALESCE(EXCLUDED.phone, business_listings.phone),
			website = COALESCE(EXCLUDED.website, business_listings.website),
			address = COALESCE(EXCLUDED.address, business_listings.address),
			detail_url = COALESCE(EXCLUDED.detail_url, business_listings.detail_url),
			scraped_at = EXCLUDED.scraped_at,
			updated_at = NOW()
		WHERE business_listings.phone IS DISTINCT FROM EXCLUDED.phone
		   OR business_listings.website IS DISTINCT FROM EXCLUDED.website
		   OR business_listings.address IS DISTINCT FROM EXCLUDED.address
		RETURNING (xmax = 0) AS inserted
	`

	var stats UpsertStats
	for i := range records {
		rec := &records[i]
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}

		var inserted bool
		err := tx.QueryRowContext(
			ctx, query,
			rec.ID, rec.TargetID, rec.Source, rec.Name, rec.Phone, rec.Website,
			rec.Address, rec.City, rec.CategoryName, rec.DetailURL,
			rec.PageNumber, rec.ScrapedAt,
		).Scan(&inserted)
		if err != nil {
			if isNoRows(err) {
				// Conflict row with identical content: nothing written.
				stats.Skipped++
				continue
			}
			return UpsertStats{}, fmt.Errorf("failed to upsert listing %q: %w", rec.Name, err)
		}

		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	return stats, nil
}
