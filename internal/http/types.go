package http

import (
	"time"

	"docbatch/internal/model"
)

// ErrorResponse is the error envelope shared by every endpoint.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

type SubmitResponse struct {
	Success bool   `json:"success"`
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type UnitItem struct {
	ID          string    `json:"id"`
	SourceName  string    `json:"source_name"`
	OutputName  string    `json:"output_name"`
	Status      string    `json:"status"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type BatchItem struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	BundleStatus string     `json:"bundle_status"`
	BundleError  string     `json:"bundle_error,omitempty"`
	Total        int        `json:"total"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DownloadURL  string     `json:"download_url,omitempty"`
	Units        []UnitItem `json:"units"`
}

type BatchResponse struct {
	Success bool       `json:"success"`
	Batch   *BatchItem `json:"batch,omitempty"`
}

type RequeueResponse struct {
	Success bool   `json:"success"`
	BatchID string `json:"batch_id"`
	Units   int    `json:"units"`
}

func toBatchItem(b model.Batch, units []model.Unit) *BatchItem {
	item := &BatchItem{
		ID:           b.ID.String(),
		Status:       string(b.Status),
		BundleStatus: string(b.BundleStatus),
		BundleError:  b.BundleError,
		Total:        len(units),
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
		FinishedAt:   b.FinishedAt,
		Units:        make([]UnitItem, 0, len(units)),
	}
	for _, u := range units {
		switch u.Status {
		case model.UnitCompleted:
			item.Completed++
		case model.UnitFailed:
			item.Failed++
		}
		item.Units = append(item.Units, UnitItem{
			ID:          u.ID.String(),
			SourceName:  u.SourceName,
			OutputName:  u.OutputName(),
			Status:      string(u.Status),
			ErrorDetail: u.ErrorDetail,
			UpdatedAt:   u.UpdatedAt,
		})
	}
	if downloadable(b) {
		item.DownloadURL = "/v1/batches/" + item.ID + "/download"
	}
	return item
}

func downloadable(b model.Batch) bool {
	return b.Status.HasOutputs() && b.BundleStatus == model.BundleReady
}
