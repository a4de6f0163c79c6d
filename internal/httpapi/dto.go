package httpapi

import (
	"encoding/json"
	"time"

	"github.com/canvassops/coordinator-service/internal/datasetengine"
	"github.com/canvassops/coordinator-service/internal/models"
)

// datasetDTO is a flat response shape for a dataset. It is built from
// AddressDataset's exported fields and accessor methods rather than by
// embedding *models.AddressDataset, since that type defines its own
// MarshalJSON (to skip its embedded mutex) which would be promoted verbatim
// and silently drop canEdit/isNonExactMatch from the response.
type datasetDTO struct {
	ID                string                   `json:"id"`
	NormalizedAddress models.NormalizedAddress `json:"normalizedAddress"`
	Street            string                   `json:"street"`
	HouseNumber       string                   `json:"houseNumber"`
	Postal            string                   `json:"postal"`
	City              string                   `json:"city"`
	CreatedBy         string                   `json:"createdBy"`
	CreatedAt         time.Time                `json:"createdAt"`
	EditableResidents []models.Resident        `json:"editableResidents"`
	FixedCustomers    []models.Resident        `json:"fixedCustomers"`
	CanEdit           bool                     `json:"canEdit"`
	IsNonExactMatch   bool                     `json:"isNonExactMatch,omitempty"`
}

func toDatasetDTO(e *datasetengine.Engine, d *models.AddressDataset, user string, nonExact bool) datasetDTO {
	return datasetDTO{
		ID:                d.ID,
		NormalizedAddress: d.NormalizedAddress,
		Street:            d.Street,
		HouseNumber:       d.HouseNumber,
		Postal:            d.Postal,
		City:              d.City,
		CreatedBy:         d.CreatedBy,
		CreatedAt:         d.CreatedAt,
		EditableResidents: d.EditableResidents(),
		FixedCustomers:    d.FixedCustomers(),
		CanEdit:           e.CanEdit(d, user),
		IsNonExactMatch:   nonExact,
	}
}

func toDatasetDTOs(e *datasetengine.Engine, datasets []*models.AddressDataset, user string, nonExact bool) []datasetDTO {
	out := make([]datasetDTO, 0, len(datasets))
	for _, d := range datasets {
		out = append(out, toDatasetDTO(e, d, user, nonExact))
	}
	return out
}

// createDatasetRequest is the POST /datasets body.
type createDatasetRequest struct {
	Address           models.Address    `json:"address"`
	EditableResidents []models.Resident `json:"editableResidents"`
	RawResidentData   json.RawMessage   `json:"rawResidentData"`
}

// updateResidentRequest is the PUT /datasets/residents body; Resident nil
// means delete the entry at Index.
type updateResidentRequest struct {
	DatasetID string           `json:"datasetId"`
	Index     int              `json:"index"`
	Resident  *models.Resident `json:"resident"`
}

// bulkUpdateResidentsRequest is the PUT /datasets/bulk-residents body.
type bulkUpdateResidentsRequest struct {
	DatasetID string            `json:"datasetId"`
	Residents []models.Resident `json:"residents"`
}

// locationPushRequest accepts either a single point or a batch, mirroring
// the native live-push and external-app bulk-push shapes.
type locationPushRequest struct {
	Point    *models.LocationPoint  `json:"point,omitempty"`
	Points   []models.LocationPoint `json:"points,omitempty"`
	UserName string                 `json:"userName,omitempty"`
}

// actionPushRequest is the POST /tracking/actions body: one action event for
// the authenticated user.
type actionPushRequest struct {
	TimestampMs int64           `json:"timestampMs"`
	Data        json.RawMessage `json:"data"`
}

// classifyScanRequest is the POST /matching/classify-scan body: the target
// address plus the names an agent read off the doorbell nameplate.
type classifyScanRequest struct {
	Address      models.Address `json:"address"`
	ScannedNames []string       `json:"scannedNames"`
}
