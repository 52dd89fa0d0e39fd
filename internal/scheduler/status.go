package scheduler

import "time"

// Status is a point-in-time snapshot of the run, served by the ops API.
type Status struct {
	RunID       string    `json:"run_id"`
	State       RunState  `json:"state"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	Incremental bool      `json:"incremental"`

	PagesScheduled int `json:"pages_scheduled"`
	PagesSkipped   int `json:"pages_skipped"`

	PagesProcessed int64 `json:"pages_processed"`
	PagesFailed    int64 `json:"pages_failed"`

	ListingsParsed       int64 `json:"listings_parsed"`
	ListingsAccepted     int64 `json:"listings_accepted"`
	ListingsDeduplicated int64 `json:"listings_deduplicated"`

	RowsInserted    int64 `json:"rows_inserted"`
	FlushesToStore  int64 `json:"flushes_to_store"`
	FlushesToBackup int64 `json:"flushes_to_backup"`

	LastCompletedPage int `json:"last_completed_page"`
	BufferPending     int `json:"buffer_pending"`
}

// Status returns the current run snapshot. Safe for concurrent use.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		RunID:       s.runID.String(),
		State:       s.phase,
		StartedAt:   s.started,
		Incremental: s.cfg.Incremental,

		PagesScheduled: s.pagesScheduled,
		PagesSkipped:   s.pagesSkipped,

		RowsInserted:    s.rowsInserted,
		FlushesToStore:  s.flushesToStore,
		FlushesToBackup: s.flushesToBackup,

		LastCompletedPage: s.ledger.floor,
	}
	s.mu.Unlock()

	st.PagesProcessed = s.stats.PagesProcessed.Load()
	st.PagesFailed = s.stats.PagesFailed.Load()
	st.ListingsParsed = s.stats.ListingsParsed.Load()
	st.ListingsAccepted = s.stats.ListingsAccepted.Load()
	st.ListingsDeduplicated = s.stats.ListingsDeduplicated.Load()
	st.BufferPending = s.buf.Pending()
	return st
}
