package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

func TestFetchReturnsDocument(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		require.Equal(t, "7", r.URL.Query().Get("page"))
		fmt.Fprint(w, "<html>listing body</html>")
	}))
	defer srv.Close()

	f := New(Config{
		URLTemplate: srv.URL + "/listing?page=%d",
		UserAgent:   "scraper-test/1.0",
		Timeout:     5 * time.Second,
	})

	doc, err := f.Fetch(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 7, doc.Page)
	require.Equal(t, http.StatusOK, doc.StatusCode)
	require.Contains(t, string(doc.Body), "listing body")
	require.False(t, doc.UsedHeadless)
	require.Equal(t, "scraper-test/1.0", gotUA)
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{URLTemplate: srv.URL + "/listing?page=%d"})

	_, err := f.Fetch(context.Background(), 999)
	require.True(t, pipeline.IsPermanentFetch(err))

	var fe *pipeline.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusNotFound, fe.Status)
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(Config{URLTemplate: srv.URL + "/listing?page=%d"})

	_, err := f.Fetch(context.Background(), 1)
	require.Error(t, err)
	require.False(t, pipeline.IsPermanentFetch(err))

	var fe *pipeline.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusBadGateway, fe.Status)
}

func TestFetchUnreachableHost(t *testing.T) {
	t.Parallel()

	f := New(Config{
		URLTemplate: "http://127.0.0.1:1/listing?page=%d",
		Timeout:     time.Second,
	})

	_, err := f.Fetch(context.Background(), 1)
	require.Error(t, err)
	require.False(t, pipeline.IsPermanentFetch(err))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")

	require.True(t, pipeline.IsPermanentFetch(classify(1, http.StatusNotFound, base)))
	require.True(t, pipeline.IsPermanentFetch(classify(1, http.StatusGone, base)))
	require.False(t, pipeline.IsPermanentFetch(classify(1, http.StatusForbidden, base)))
	require.False(t, pipeline.IsPermanentFetch(classify(1, http.StatusInternalServerError, base)))
	require.False(t, pipeline.IsPermanentFetch(classify(1, 0, base)))
}
