package geo_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/geofetch/geofetch/internal/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeriesDir(t *testing.T) {
	tests := []struct {
		gseID string
		want  string
	}{
		{"GSE1000", "GSE1nnn/GSE1000"},
		{"GSE123", "GSEnnn/GSE123"},
		{"GSE7", "GSEnnn/GSE7"},
		{"GSE999", "GSEnnn/GSE999"},
		{"GSE12345", "GSE12nnn/GSE12345"},
		{"gse1000", "GSE1nnn/GSE1000"},
	}

	for _, tt := range tests {
		t.Run(tt.gseID, func(t *testing.T) {
			assert.Equal(t, tt.want, geo.SeriesDir(tt.gseID))
		})
	}
}

func TestSupplementaryURL(t *testing.T) {
	got := geo.SupplementaryURL("https://host/geo/series/", "GSE1000", "GSE1000_RAW.tar")
	assert.Equal(t, "https://host/geo/series/GSE1nnn/GSE1000/suppl/GSE1000_RAW.tar", got)
}

func TestRawFiles(t *testing.T) {
	listing := `<html><body>
<a href="/geo/series/GSE1nnn/">Parent Directory</a>
<a href="filelist.txt">filelist.txt</a>
<a href="GSE1000_RAW.tar">GSE1000_RAW.tar</a>
<a href="GSE1000_sample.idat.gz">GSE1000_sample.idat.gz</a>
<a href="GSE1000_series_matrix.txt.gz">GSE1000_series_matrix.txt.gz</a>
</body></html>`

	sizes := map[string]int64{
		"GSE1000_RAW.tar":        2048,
		"GSE1000_sample.idat.gz": 512,
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/GSE1nnn/GSE1000/suppl/":
			fmt.Fprint(w, listing)
		case r.Method == http.MethodHead:
			name := r.URL.Path[len("/GSE1nnn/GSE1000/suppl/"):]

			size, ok := sizes[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)

				return
			}

			w.Header().Set("Content-Length", fmt.Sprint(size))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	resolver := geo.NewResolver(ts.Client(), ts.URL, "", "geofetch-test")

	targets, err := resolver.RawFiles(context.Background(), "GSE1000")
	require.NoError(t, err)
	require.Len(t, targets, 2, "processed matrix files are not raw data")

	assert.Equal(t, "GSE1000/GSE1000_RAW.tar", targets[0].ID)
	assert.Equal(t, ts.URL+"/GSE1nnn/GSE1000/suppl/GSE1000_RAW.tar", targets[0].URL)
	assert.Equal(t, int64(2048), targets[0].Size)

	assert.Equal(t, "GSE1000/GSE1000_sample.idat.gz", targets[1].ID)
	assert.Equal(t, int64(512), targets[1].Size)
}

func TestRawFiles_NoRawData(t *testing.T) {
	listing := `<a href="GSE2000_series_matrix.txt.gz">GSE2000_series_matrix.txt.gz</a>`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, listing)
	}))
	defer ts.Close()

	resolver := geo.NewResolver(ts.Client(), ts.URL, "", "geofetch-test")

	targets, err := resolver.RawFiles(context.Background(), "GSE2000")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestRawFiles_ListingError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	resolver := geo.NewResolver(ts.Client(), ts.URL, "", "geofetch-test")

	_, err := resolver.RawFiles(context.Background(), "GSE3000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GSE3000")
}

func TestRawFiles_MissingSizeFallsBackToZero(t *testing.T) {
	listing := `<a href="GSE4000_RAW.tar">GSE4000_RAW.tar</a>`

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusForbidden)

			return
		}

		fmt.Fprint(w, listing)
	}))
	defer ts.Close()

	resolver := geo.NewResolver(ts.Client(), ts.URL, "", "geofetch-test")

	targets, err := resolver.RawFiles(context.Background(), "GSE4000")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Zero(t, targets[0].Size)
}
