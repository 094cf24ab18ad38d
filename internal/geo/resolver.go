package geo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/geofetch/geofetch/internal/logctx"
	"github.com/geofetch/geofetch/internal/transfer"
)

// DefaultBaseURL is the NCBI GEO series archive root.
const DefaultBaseURL = "https://ftp.ncbi.nlm.nih.gov/geo/series"

var anchorRE = regexp.MustCompile(`<a href="([^"]+)">([^<]+)</a>`)

// rawKeywords identify supplementary files that carry raw measurement data
// rather than processed matrices.
var rawKeywords = []string{
	"raw", ".idat", ".cel", ".fastq", ".fq", ".sra", ".bam", ".cram",
	"signal", "intensity", "reads", "sequencing",
}

// SeriesDir returns the archive directory for a GSE accession. GEO shards
// series by accession number with the last three digits replaced by "nnn",
// so GSE1 through GSE999 live under GSEnnn.
func SeriesDir(gseID string) string {
	num := strings.TrimPrefix(strings.ToUpper(gseID), "GSE")

	prefix := ""
	if len(num) > 3 {
		prefix = num[:len(num)-3]
	}

	return fmt.Sprintf("GSE%snnn/%s", prefix, strings.ToUpper(gseID))
}

// SupplementaryURL builds the download URL for one supplementary file of a
// series.
func SupplementaryURL(baseURL, gseID, filename string) string {
	return fmt.Sprintf("%s/%s/suppl/%s", strings.TrimSuffix(baseURL, "/"), SeriesDir(gseID), filename)
}

// Resolver turns GSE accessions into concrete download targets by listing
// each series' supplementary directory and keeping the raw-data files. It
// also answers series metadata lookups against the Entrez eutils API.
type Resolver struct {
	client    *http.Client
	baseURL   string
	eutilsURL string
	userAgent string
}

func NewResolver(client *http.Client, baseURL, eutilsURL, userAgent string) *Resolver {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if eutilsURL == "" {
		eutilsURL = DefaultEUtilsURL
	}

	return &Resolver{
		client:    client,
		baseURL:   baseURL,
		eutilsURL: eutilsURL,
		userAgent: userAgent,
	}
}

// RawFiles lists the supplementary directory of a series and returns one
// target per raw-data file, with sizes resolved via HEAD where the server
// provides them. An empty result means the series publishes no raw data.
func (r *Resolver) RawFiles(ctx context.Context, gseID string) ([]transfer.Target, error) {
	logger := logctx.LoggerFromContext(ctx).With("gse_id", gseID)

	listingURL := fmt.Sprintf("%s/%s/suppl/", strings.TrimSuffix(r.baseURL, "/"), SeriesDir(gseID))

	body, err := r.get(ctx, listingURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list supplementary files for %s: %w", gseID, err)
	}

	var targets []transfer.Target

	for _, name := range listedFiles(body) {
		if !isRawFile(name) {
			continue
		}

		url := SupplementaryURL(r.baseURL, gseID, name)

		target := transfer.Target{
			ID:   strings.ToUpper(gseID) + "/" + name,
			URL:  url,
			Size: r.fileSize(ctx, url),
		}

		logger.Debug("resolved raw file", "file", name, "size", target.Size)

		targets = append(targets, target)
	}

	return targets, nil
}

func (r *Resolver) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// fileSize resolves the advertised length of a file, or 0 when the server
// does not say. Size is a hint only; the transfer re-reads the length from
// the GET response.
func (r *Resolver) fileSize(ctx context.Context, url string) int64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0
	}

	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return size
		}
	}

	return 0
}

// listedFiles parses the anchor links out of an archive directory listing.
func listedFiles(html string) []string {
	var names []string

	for _, m := range anchorRE.FindAllStringSubmatch(html, -1) {
		name := m[2]
		if name == "Parent Directory" || name == "filelist.txt" {
			continue
		}

		names = append(names, name)
	}

	return names
}

func isRawFile(name string) bool {
	lower := strings.ToLower(name)

	for _, kw := range rawKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	return strings.Contains(lower, "_raw.") || strings.HasSuffix(lower, "_raw.tar")
}
