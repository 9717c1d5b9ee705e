package fetcher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadharvest/bizcrawl/internal/domain"
)

// jsonPage is the wire shape of a JSON directory result page.
type jsonPage struct {
	Listings []struct {
		Name      string  `json:"name"`
		Phone     *string `json:"phone"`
		Website   *string `json:"website"`
		Address   *string `json:"address"`
		DetailURL *string `json:"detail_url"`
	} `json:"listings"`
	NextPageURL *string `json:"next_page_url"`
	HasMore     *bool   `json:"has_more"`
}

// JSONParser parses directory sources that expose their result pages as
// JSON. HTML sources plug in their own Parser; this one covers API-style
// sources and keeps the fetch path testable end to end.
type JSONParser struct {
	// Source names the origin recorded on every listing.
	Source string
}

// NewJSONParser creates a parser for the named source.
func NewJSONParser(source string) *JSONParser {
	return &JSONParser{Source: source}
}

// ParsePage decodes one JSON result page into listings. has_more defaults to
// "there is a next page URL" when the source omits it.
func (p *JSONParser) ParsePage(
	target *domain.Target,
	page int,
	body []byte,
) ([]domain.Listing, *string, bool, error) {
	var decoded jsonPage
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, nil, false, fmt.Errorf("invalid result page JSON: %w", err)
	}

	now := time.Now().UTC()
	records := make([]domain.Listing, 0, len(decoded.Listings))
	for _, raw := range decoded.Listings {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			continue
		}
		records = append(records, domain.Listing{
			ID:           uuid.NewString(),
			TargetID:     target.ID,
			Source:       p.Source,
			Name:         name,
			Phone:        raw.Phone,
			Website:      raw.Website,
			Address:      raw.Address,
			City:         target.City,
			CategoryName: target.CategoryLabel,
			DetailURL:    raw.DetailURL,
			PageNumber:   page,
			ScrapedAt:    now,
		})
	}

	hasMore := decoded.NextPageURL != nil
	if decoded.HasMore != nil {
		hasMore = *decoded.HasMore
	}
	return records, decoded.NextPageURL, hasMore, nil
}
