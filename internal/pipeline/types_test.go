package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validListing() Listing {
	return Listing{
		Reference: "E116704555",
		URL:       "https://www.lacentrale.fr/auto-occasion-annonce-69112345678.html",
		Make:      "RENAULT",
		Model:     "CLIO",
		Year:      2022,
		Price:     15990,
	}
}

func TestListingValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validListing().Validate())

	cases := []struct {
		name   string
		mutate func(*Listing)
		field  string
	}{
		{"missing reference", func(l *Listing) { l.Reference = "  " }, "reference"},
		{"missing url", func(l *Listing) { l.URL = "" }, "url"},
		{"missing make", func(l *Listing) { l.Make = "" }, "make"},
		{"missing model", func(l *Listing) { l.Model = "" }, "model"},
		{"zero year", func(l *Listing) { l.Year = 0 }, "year"},
		{"zero price", func(l *Listing) { l.Price = 0 }, "price"},
		{"negative price", func(l *Listing) { l.Price = -100 }, "price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l := validListing()
			tc.mutate(&l)
			err := l.Validate()

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestRunSummaryReplayRequired(t *testing.T) {
	t.Parallel()

	require.False(t, RunSummary{}.ReplayRequired())
	require.True(t, RunSummary{FlushesToBackup: 1}.ReplayRequired())
}
