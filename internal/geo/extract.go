package geo

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// DefaultPlatformPattern marks the lines of a GPL platform description file
// that reference series accessions.
const DefaultPlatformPattern = "!Platform_series_id"

var (
	accessionRE     = regexp.MustCompile(`(?i)GSE\d+`)
	bareAccessionRE = regexp.MustCompile(`(?i)^GSE\d+$`)
)

// ExtractIDs pulls GSE accession ids out of arbitrary text: bare ids, ids
// embedded in other content, and platform-file lines matching the given
// pattern. The result is uppercased, deduplicated, and sorted.
func ExtractIDs(text, platformPattern string) []string {
	if platformPattern == "" {
		platformPattern = DefaultPlatformPattern
	}

	seen := make(map[string]struct{})

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.Contains(line, platformPattern):
			if m := accessionRE.FindString(line); m != "" {
				seen[strings.ToUpper(m)] = struct{}{}
			}
		case bareAccessionRE.MatchString(line):
			seen[strings.ToUpper(line)] = struct{}{}
		default:
			for _, m := range accessionRE.FindAllString(line, -1) {
				seen[strings.ToUpper(m)] = struct{}{}
			}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// ExtractIDsFromFile reads a plain id list or a GPL platform description
// file and extracts the accession ids it references.
func ExtractIDsFromFile(path, platformPattern string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ExtractIDs(string(data), platformPattern), nil
}
