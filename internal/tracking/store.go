package tracking

import (
	"context"
	"time"
)

// ListOptions filters, sorts, and paginates List.
type ListOptions struct {
	Path              string
	Method            string
	Network           string
	Scheme            string
	PaymentRequired   *bool
	PaymentVerified   *bool
	SettlementSuccess *bool
	Payer             string

	Since, Until                   time.Time
	MinResponseTimeMs, MaxResponseTimeMs int64

	SortBy    string // "timestamp" | "responseTimeMs" | "path"
	SortOrder string // "asc" | "desc", default "desc"

	Offset int
	Limit  int // default 50, max 100
}

// ListResult is the paginated result of List.
type ListResult struct {
	Records    []*Record
	HasMore    bool
	NextCursor int
}

// Stats is the aggregate returned by GetStats.
type Stats struct {
	Total            int64
	PaymentRequired   int64
	Verified         int64
	Settled          int64
	Failed           int64
	ByPath           map[string]int64
	ByNetwork        map[string]int64
	ByScheme         map[string]int64
	AvgResponseTimeMs float64
	P95ResponseTimeMs float64
	VolumeByNetwork      map[string]string // decimal-string bigint totals
	VolumeByNetworkAsset map[string]string // key "network:asset"
}

// Store is the persistence contract for tracking records.
type Store interface {
	Create(ctx context.Context, record *Record) error
	Update(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	GetStats(ctx context.Context, start, end time.Time) (*Stats, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
