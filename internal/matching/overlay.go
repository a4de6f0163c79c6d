package matching

import (
	"context"

	"github.com/canvassops/coordinator-service/internal/customercache"
	"github.com/canvassops/coordinator-service/internal/datasetengine"
	"github.com/canvassops/coordinator-service/internal/models"
)

// DatasetLookup is the capability the overlay needs from the dataset
// engine: the most-recent-first, house-number-overlapping datasets for an
// address.
type DatasetLookup interface {
	GetDatasetsByAddress(ctx context.Context, addr models.Address, limit int) ([]datasetengine.Match, error)
}

// Overlay wires the dataset engine and the master customer cache together
// to produce the historical classification for a scan.
type Overlay struct {
	datasets  DatasetLookup
	customers *customercache.Cache
}

// NewOverlay constructs an Overlay.
func NewOverlay(datasets DatasetLookup, customers *customercache.Cache) *Overlay {
	return &Overlay{datasets: datasets, customers: customers}
}

// Result is the overlay's output for one scan.
type Result struct {
	Classified        []ClassifiedName
	WinbackCandidates []string
}

// ClassifyAddressScan resolves the most recent historical dataset and the
// current customer-list matches for addr, then classifies scannedNames
// against both.
func (o *Overlay) ClassifyAddressScan(ctx context.Context, addr models.Address, scannedNames []string) (Result, error) {
	matches, err := o.datasets.GetDatasetsByAddress(ctx, addr, 1)
	if err != nil {
		return Result{}, err
	}

	var dataset *models.AddressDataset
	if len(matches) > 0 {
		dataset = matches[0].Dataset
	}

	customers, err := o.customers.SearchCustomers(ctx, "", &addr)
	if err != nil {
		return Result{}, err
	}
	currentNames := make([]string, 0, len(customers))
	for _, c := range customers {
		currentNames = append(currentNames, c.Name)
	}

	classified, winback := ClassifyScan(scannedNames, currentNames, dataset)
	return Result{Classified: classified, WinbackCandidates: winback}, nil
}
