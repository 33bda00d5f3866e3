package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Update is the tagged variant carried by a work item status update.
// Exactly one of Success, Failure, or Cancel.
type Update interface {
	isUpdate()
}

// Success reports a completed work item together with its output catalogs.
// Hits and ScrollToken are populated only by paginator items. Temporal and
// BBox carry the results' coverage through to the job's result links.
type Success struct {
	Results         []string
	OutputItemSizes []int64
	TotalItemsSize  int64
	Duration        time.Duration
	Hits            *int
	ScrollToken     string
	Temporal        string
	BBox            string
}

// Failure reports a terminal or retryable worker failure.
type Failure struct {
	Message string
}

// Cancel reports a worker-side cancellation of the item.
type Cancel struct{}

func (Success) isUpdate() {}
func (Failure) isUpdate() {}
func (Cancel) isUpdate()  {}

// ItemUpdate is the envelope placed on the update queues.
type ItemUpdate struct {
	WorkItemID int64
	Update     Update
}

// itemUpdateWire is the queue wire format for ItemUpdate. The status tag
// selects the variant.
type itemUpdateWire struct {
	WorkItemID      int64    `json:"workItemID"`
	Status          string   `json:"status"`
	Results         []string `json:"results,omitempty"`
	OutputItemSizes []int64  `json:"outputItemSizes,omitempty"`
	TotalItemsSize  int64    `json:"totalItemsSize,omitempty"`
	DurationMs      int64    `json:"durationMs,omitempty"`
	Hits            *int     `json:"hits,omitempty"`
	ScrollToken     string   `json:"scrollID,omitempty"`
	Temporal        string   `json:"temporal,omitempty"`
	BBox            string   `json:"bbox,omitempty"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
}

// MarshalJSON encodes the envelope with a status discriminator.
func (u ItemUpdate) MarshalJSON() ([]byte, error) {
	wire := itemUpdateWire{WorkItemID: u.WorkItemID}
	switch v := u.Update.(type) {
	case Success:
		wire.Status = string(StatusSuccessful)
		wire.Results = v.Results
		wire.OutputItemSizes = v.OutputItemSizes
		wire.TotalItemsSize = v.TotalItemsSize
		wire.DurationMs = v.Duration.Milliseconds()
		wire.Hits = v.Hits
		wire.ScrollToken = v.ScrollToken
		wire.Temporal = v.Temporal
		wire.BBox = v.BBox
	case Failure:
		wire.Status = string(StatusFailed)
		wire.ErrorMessage = v.Message
	case Cancel:
		wire.Status = string(StatusCanceled)
	default:
		return nil, fmt.Errorf("unknown update variant %T", u.Update)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes the envelope, selecting the variant by status.
func (u *ItemUpdate) UnmarshalJSON(data []byte) error {
	var wire itemUpdateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	u.WorkItemID = wire.WorkItemID
	switch WorkItemStatus(wire.Status) {
	case StatusSuccessful:
		u.Update = Success{
			Results:         wire.Results,
			OutputItemSizes: wire.OutputItemSizes,
			TotalItemsSize:  wire.TotalItemsSize,
			Duration:        time.Duration(wire.DurationMs) * time.Millisecond,
			Hits:            wire.Hits,
			ScrollToken:     wire.ScrollToken,
			Temporal:        wire.Temporal,
			BBox:            wire.BBox,
		}
	case StatusFailed:
		u.Update = Failure{Message: wire.ErrorMessage}
	case StatusCanceled:
		u.Update = Cancel{}
	default:
		return fmt.Errorf("unknown update status %q", wire.Status)
	}
	return nil
}
