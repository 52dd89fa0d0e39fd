// Package pipeline defines the shared types, collaborator interfaces, and
// error taxonomy of the incremental ingestion pipeline.
package pipeline

import (
	"strings"
	"time"
)

// Listing is one car listing extracted from a listing page. Reference is the
// site-assigned identifier and the sole identity: two listings carrying the
// same reference are the same entity, and only presence matters for
// deduplication. The JSON form is the backup-artifact wire format and must
// round-trip losslessly.
type Listing struct {
	// Reference is the stable upstream identifier, e.g. "E116704555".
	Reference string `json:"reference"`
	// URL is the absolute detail-page address.
	URL string `json:"url"`

	Make          string `json:"make"`
	Model         string `json:"model"`
	Version       string `json:"version,omitempty"`
	TrimLevel     string `json:"trim_level,omitempty"`
	Year          int    `json:"year"`
	Doors         int    `json:"doors,omitempty"`
	Gearbox       string `json:"gearbox,omitempty"`
	Energy        string `json:"energy,omitempty"`
	ExternalColor string `json:"external_color,omitempty"`
	Category      string `json:"category,omitempty"`
	Mileage       int    `json:"mileage,omitempty"`
	Price         int    `json:"price"`

	CustomerType    string `json:"customer_type,omitempty"`
	DealerName      string `json:"dealer_name,omitempty"`
	GoodDealBadge   string `json:"good_deal_badge,omitempty"`
	PhotoURL        string `json:"photo_url,omitempty"`
	FirstOnlineDate string `json:"first_online_date,omitempty"`

	// Page records which listing page produced the record.
	Page int `json:"page"`
	// FetchedAt is the fetch timestamp of the originating page.
	FetchedAt time.Time `json:"fetched_at"`
}

// Validate checks the required fields of a parsed listing. A failing listing
// is skipped by the worker; its siblings on the same page are unaffected.
func (l Listing) Validate() error {
	switch {
	case strings.TrimSpace(l.Reference) == "":
		return &ValidationError{Field: "reference", Reason: "missing"}
	case l.URL == "":
		return &ValidationError{Reference: l.Reference, Field: "url", Reason: "missing"}
	case l.Make == "":
		return &ValidationError{Reference: l.Reference, Field: "make", Reason: "missing"}
	case l.Model == "":
		return &ValidationError{Reference: l.Reference, Field: "model", Reason: "missing"}
	case l.Year <= 0:
		return &ValidationError{Reference: l.Reference, Field: "year", Reason: "missing or non-positive"}
	case l.Price <= 0:
		return &ValidationError{Reference: l.Reference, Field: "price", Reason: "missing or non-positive"}
	}
	return nil
}

// Document is the raw result of fetching one listing page.
type Document struct {
	Page         int
	URL          string
	StatusCode   int
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// StateVersion is the current schema version of the persisted progress state.
const StateVersion = 1

// ProgressState is the durable record of scraping progress. It is rewritten
// atomically at every checkpoint and read once at startup to compute the
// resume point.
type ProgressState struct {
	// Version guards the file format; loading a newer version fails.
	Version int `json:"version"`
	// LastCompletedPage is the highest page p such that every page in
	// [1, p] has had all of its records durably handled.
	LastCompletedPage int `json:"last_completed_page"`
	// KnownIDCount mirrors the dedup index size at checkpoint time.
	KnownIDCount int `json:"known_id_count"`
	// LastCheckpoint is the UTC time the state was written.
	LastCheckpoint time.Time `json:"last_checkpoint"`
}

// FlushDestination names where a flushed batch ended up.
type FlushDestination string

// Flush destinations.
const (
	// DestinationStore: the batch was committed to the destination store.
	DestinationStore FlushDestination = "store"
	// DestinationBackup: store retries were exhausted and the batch was
	// serialized to a backup artifact instead (degraded success).
	DestinationBackup FlushDestination = "backup"
	// DestinationRejected: the batch was refused as malformed; its records
	// are lost (data-loss risk, isolated to the batch).
	DestinationRejected FlushDestination = "rejected"
)

// FlushResult reports the outcome of one batch flush.
type FlushResult struct {
	Destination FlushDestination
	// Attempted is the number of records in the batch.
	Attempted int
	// Inserted counts rows newly written to the destination store.
	Inserted int64
	// AlreadyPresent counts rows the store ignored as duplicates.
	AlreadyPresent int64
	// Attempts is how many store attempts were made.
	Attempts int
	// Artifact describes the backup artifact for DestinationBackup.
	Artifact ArtifactInfo
}

// ArtifactInfo identifies one written backup artifact.
type ArtifactInfo struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	Records  int    `json:"records"`
	Checksum string `json:"checksum"`
}

// BackupNotice tells operators that a batch fell back to a backup artifact
// and needs manual replay.
type BackupNotice struct {
	RunID    string       `json:"run_id"`
	Artifact ArtifactInfo `json:"artifact"`
	Reason   string       `json:"reason"`
}

// RunConfig carries the validated inputs of one pipeline run.
type RunConfig struct {
	StartPage   int
	EndPage     int
	Workers     int
	Incremental bool
	BufferSize  int
	// PageTimeout bounds one fetch attempt.
	PageTimeout time.Duration
	// FetchRetries is the number of retries after the initial attempt.
	FetchRetries int
}

// RunSummary is the terminal report of a run. It is logged, exposed over the
// ops API, and published so an operator knows whether manual replay of
// backup artifacts is required.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	PagesScheduled int `json:"pages_scheduled"`
	PagesSkipped   int `json:"pages_skipped"`

	PagesProcessed int64 `json:"pages_processed"`
	PagesFailed    int64 `json:"pages_failed"`

	ListingsParsed       int64 `json:"listings_parsed"`
	ListingsInvalid      int64 `json:"listings_invalid"`
	ListingsAccepted     int64 `json:"listings_accepted"`
	ListingsDeduplicated int64 `json:"listings_deduplicated"`

	RowsInserted    int64 `json:"rows_inserted"`
	FlushesToStore  int64 `json:"flushes_to_store"`
	FlushesToBackup int64 `json:"flushes_to_backup"`
	BatchesRejected int64 `json:"batches_rejected"`
	BackupRecords   int64 `json:"backup_records"`

	LastCompletedPage int `json:"last_completed_page"`
	KnownReferences   int `json:"known_references"`
}

// ReplayRequired reports whether any batch fell back to a backup artifact.
func (s RunSummary) ReplayRequired() bool {
	return s.FlushesToBackup > 0
}
