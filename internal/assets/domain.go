// Package assets owns fixed-asset master data, the embedded acquisition
// terms, and persistence of the generated schedule lines. The schedule math
// itself lives in internal/schedule; this package wraps it in transactions,
// locking and storage.
package assets

import (
	"time"

	"github.com/reflyh2/assetflow/internal/schedule"
)

// Asset is the owning record every schedule line hangs off.
type Asset struct {
	ID        int64
	Code      string
	Name      string
	Category  string
	Notes     string
	Terms     schedule.AcquisitionTerms
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredLine is a schedule line as persisted, with identity and audit
// timestamps around the engine's Line.
type StoredLine struct {
	ID      int64
	AssetID int64
	schedule.Line
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lines extracts the engine lines from stored rows, preserving order.
func Lines(stored []StoredLine) []schedule.Line {
	out := make([]schedule.Line, len(stored))
	for i, s := range stored {
		out[i] = s.Line
	}
	return out
}

// CreateAssetInput carries a new asset and its acquisition terms.
type CreateAssetInput struct {
	Code     string
	Name     string
	Category string
	Notes    string
	Terms    schedule.AcquisitionTerms
}

// UpdateAssetInput mirrors CreateAssetInput for edits. Terms changes are
// subject to the mutation guard.
type UpdateAssetInput struct {
	Name     string
	Category string
	Notes    string
	Terms    schedule.AcquisitionTerms
}

// ListAssetsRequest filters and paginates asset listings.
type ListAssetsRequest struct {
	Category string
	Type     schedule.AcquisitionType
	Page     int
	PerPage  int
}

// AssetWithSchedule bundles an asset with its full ordered schedule.
type AssetWithSchedule struct {
	Asset
	Lines []StoredLine
}
