package geo

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
)

// DefaultEUtilsURL is the NCBI Entrez eutils root used for series metadata.
const DefaultEUtilsURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// SeriesMetadata describes a GEO series for preview output ahead of a
// download run.
type SeriesMetadata struct {
	Accession      string
	Title          string
	Summary        string
	Organism       string
	ExperimentType string
	SubmissionDate string
	Platforms      []string
}

type esearchResult struct {
	IDs []string `xml:"IdList>Id"`
}

type esummaryResult struct {
	Items []esummaryItem `xml:"DocSum>Item"`
}

type esummaryItem struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:",chardata"`
}

// Metadata resolves the Entrez summary of a series: esearch maps the
// accession to its numeric document id, esummary returns the document
// fields. Metadata is best-effort preview material; a lookup failure never
// blocks a download.
func (r *Resolver) Metadata(ctx context.Context, gseID string) (*SeriesMetadata, error) {
	gseID = strings.ToUpper(gseID)
	root := strings.TrimSuffix(r.eutilsURL, "/")

	searchURL := fmt.Sprintf("%s/esearch.fcgi?db=gds&term=%s&retmode=xml",
		root, url.QueryEscape(gseID+"[Accession]"))

	body, err := r.get(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("failed to search metadata for %s: %w", gseID, err)
	}

	var search esearchResult
	if err := xml.Unmarshal([]byte(body), &search); err != nil {
		return nil, fmt.Errorf("failed to parse search result for %s: %w", gseID, err)
	}

	if len(search.IDs) == 0 {
		return nil, fmt.Errorf("no metadata found for %s", gseID)
	}

	summaryURL := fmt.Sprintf("%s/esummary.fcgi?db=gds&id=%s&retmode=xml",
		root, url.QueryEscape(search.IDs[0]))

	body, err = r.get(ctx, summaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch summary for %s: %w", gseID, err)
	}

	var summary esummaryResult
	if err := xml.Unmarshal([]byte(body), &summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary for %s: %w", gseID, err)
	}

	meta := &SeriesMetadata{Accession: gseID}

	for _, item := range summary.Items {
		switch item.Name {
		case "title":
			meta.Title = item.Value
		case "summary":
			meta.Summary = item.Value
		case "taxon":
			meta.Organism = item.Value
		case "gdsType":
			meta.ExperimentType = item.Value
		case "PDAT":
			meta.SubmissionDate = item.Value
		case "GPL":
			for _, p := range strings.Split(item.Value, ";") {
				if p = strings.TrimSpace(p); p != "" {
					meta.Platforms = append(meta.Platforms, p)
				}
			}
		}
	}

	return meta, nil
}
