// Package matching implements the historical matching overlay: it
// classifies a freshly scanned resident list against the most recent prior
// dataset for the same address and the current customer master list,
// surfacing previous-tenant moves and winback candidates.
package matching

import (
	"strings"
	"time"
	"unicode"

	"github.com/canvassops/coordinator-service/internal/models"
)

// Bucket tags which historical list a surname came from.
type Bucket string

const (
	BucketExisting Bucket = "existing"
	BucketProspect Bucket = "prospect"
)

// Classification is the per-name verdict.
type Classification string

const (
	ConfirmedExisting     Classification = "confirmed_existing"
	ListVsDatasetConflict Classification = "list_vs_dataset_conflict"
	DatasetOnlyExisting   Classification = "dataset_only_existing"
	HistoricalProspect    Classification = "historical_prospect"
	NoHistoricalData      Classification = "no_historical_data"
)

// ClassifiedName is one scanned name's overlay result.
type ClassifiedName struct {
	Name             string         `json:"name"`
	Classification   Classification `json:"classification"`
	HistoricalStatus models.ResidentStatus `json:"historicalStatus,omitempty"`
	PreviousTenant   string         `json:"previousTenant,omitempty"`
	MovedInAfter     *time.Time     `json:"movedInAfter,omitempty"`
}

// historicalEntry is one cleaned historical surname record.
type historicalEntry struct {
	bucket    Bucket
	status    models.ResidentStatus
	createdAt time.Time
}

// surname returns the last whitespace-separated token of name, the
// convention historical entries and scanned names are compared by.
func surname(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

// cleanHistorical builds the cleaned surname-to-bucket map from a
// dataset's fixed (existing-customer) and editable-prospect resident
// lists, applying the conflict-drop and same-bucket-collapse rules.
func cleanHistorical(dataset *models.AddressDataset) map[string]historicalEntry {
	existing := make(map[string]struct{})
	for _, r := range dataset.FixedCustomers() {
		s := surname(r.Name)
		if s != "" {
			existing[s] = struct{}{}
		}
	}

	prospects := make(map[string]models.ResidentStatus)
	for _, r := range dataset.EditableResidents() {
		if r.Category != models.CategoryPotentialNewCustomer {
			continue
		}
		s := surname(r.Name)
		if s == "" {
			continue
		}
		// A later entry for the same surname simply overwrites; individual
		// given names are not retained once more than one prospect shares
		// a surname.
		prospects[s] = r.Status
	}

	cleaned := make(map[string]historicalEntry, len(existing)+len(prospects))
	for s := range existing {
		if _, conflict := prospects[s]; conflict {
			continue
		}
		cleaned[s] = historicalEntry{bucket: BucketExisting, createdAt: dataset.CreatedAt}
	}
	for s, status := range prospects {
		if _, conflict := existing[s]; conflict {
			continue
		}
		cleaned[s] = historicalEntry{bucket: BucketProspect, status: status, createdAt: dataset.CreatedAt}
	}
	return cleaned
}

// ClassifyScan classifies every name in scannedNames against dataset (the
// most recent prior dataset for the address, nil if none) and
// currentListNames (names already present in the master customer list for
// this address). It also returns winback candidates: historically-existing
// surnames no longer present in the current list.
func ClassifyScan(scannedNames []string, currentListNames []string, dataset *models.AddressDataset) (classified []ClassifiedName, winbackCandidates []string) {
	currentSet := make(map[string]struct{}, len(currentListNames))
	for _, n := range currentListNames {
		currentSet[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}

	var cleaned map[string]historicalEntry
	if dataset != nil {
		cleaned = cleanHistorical(dataset)
	}

	scanSurnames := make(map[string]string, len(scannedNames)) // surname -> original name
	for _, name := range scannedNames {
		s := surname(name)
		if s != "" {
			scanSurnames[s] = name
		}

		_, inList := currentSet[strings.ToLower(strings.TrimSpace(name))]
		hist, hasHist := cleaned[s]

		var c ClassifiedName
		c.Name = name
		switch {
		case !hasHist:
			c.Classification = NoHistoricalData
		case inList && hist.bucket == BucketExisting:
			c.Classification = ConfirmedExisting
		case inList && hist.bucket == BucketProspect:
			c.Classification = ListVsDatasetConflict
			c.HistoricalStatus = hist.status
		case !inList && hist.bucket == BucketExisting:
			c.Classification = DatasetOnlyExisting
		case !inList && hist.bucket == BucketProspect:
			c.Classification = HistoricalProspect
			c.HistoricalStatus = hist.status
		}
		classified = append(classified, c)
	}

	if dataset != nil {
		tagPreviousTenant(classified, scanSurnames, cleaned, dataset.CreatedAt)
		winbackCandidates = computeWinback(cleaned, currentSet)
	}

	return classified, winbackCandidates
}

// tagPreviousTenant tags the one-to-one move case: if exactly one surname
// appears only in the scan and exactly one only in the historical set, the
// new name is tagged with the departed name and move-in date.
func tagPreviousTenant(classified []ClassifiedName, scanSurnames map[string]string, cleaned map[string]historicalEntry, datasetCreatedAt time.Time) {
	var onlyInScan []string
	for s := range scanSurnames {
		if _, ok := cleaned[s]; !ok {
			onlyInScan = append(onlyInScan, s)
		}
	}
	var onlyInHistorical []string
	for s := range cleaned {
		if _, ok := scanSurnames[s]; !ok {
			onlyInHistorical = append(onlyInHistorical, s)
		}
	}

	if len(onlyInScan) != 1 || len(onlyInHistorical) != 1 {
		return
	}

	newSurname := onlyInScan[0]
	oldSurname := onlyInHistorical[0]
	createdAt := datasetCreatedAt

	for i := range classified {
		if surname(classified[i].Name) == newSurname {
			classified[i].PreviousTenant = capitalize(oldSurname)
			t := createdAt
			classified[i].MovedInAfter = &t
		}
	}
}

// capitalize upper-cases the first rune of a lowercase surname for display.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// computeWinback surfaces historically-existing surnames that are no
// longer in the current customer list.
func computeWinback(cleaned map[string]historicalEntry, currentSet map[string]struct{}) []string {
	currentSurnames := make(map[string]struct{}, len(currentSet))
	for name := range currentSet {
		if s := surname(name); s != "" {
			currentSurnames[s] = struct{}{}
		}
	}
	var out []string
	for s, entry := range cleaned {
		if entry.bucket != BucketExisting {
			continue
		}
		if _, stillListed := currentSurnames[s]; stillListed {
			continue
		}
		out = append(out, s)
	}
	return out
}
