package store

import (
	"errors"
	"fmt"
	"time"
)

// Partition identifies one independent snapshot inside a store.
type Partition string

// SingletonPartition is the only partition used by a single-portal deployment.
// Multi-tenant deployments should key partitions by portal id instead.
const SingletonPartition Partition = "singleton"

var ErrNotFound = errors.New("not found")

// StorageError wraps a failed persistence operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

type StageSnapshot struct {
	PortalID   string  `json:"portalId"`
	TotalDeals int     `json:"totalDeals"`
	StuckDeals int     `json:"stuckDeals"`
	Stages     []Stage `json:"stages"`
}

type Stage struct {
	Key           string      `json:"stage"`
	Label         string      `json:"label"`
	Count         int         `json:"count"`
	PipelineLabel string      `json:"pipeline_readable_label"`
	PipelineID    string      `json:"pipeline_hubspot_id"`
	Deals         []StageDeal `json:"stuck_deals"`
}

type StageDeal struct {
	Name         string    `json:"name"`
	RecordID     string    `json:"recordId"`
	LastModified time.Time `json:"stageLastModifiedDate"`
}

type OwnerSnapshot struct {
	PortalID   string  `json:"portalId"`
	TotalDeals int     `json:"totalDeals"`
	StuckDeals int     `json:"stuckDeals"`
	Owners     []Owner `json:"owners"`
}

type Owner struct {
	ID              string      `json:"owner_id"`
	Name            string      `json:"owner_name"`
	Email           string      `json:"owner_email"`
	StuckDealsCount int         `json:"stuck_deals_count"`
	Deals           []OwnerDeal `json:"stuck_deals"`
}

type OwnerDeal struct {
	Name         string    `json:"name"`
	RecordID     string    `json:"recordId"`
	LastModified time.Time `json:"lastModifiedDate"`
	StageLabel   string    `json:"stage"`
}

// DealHit is one stuck deal matched by a text search.
type DealHit struct {
	Variant      string    `json:"variant"`
	GroupKey     string    `json:"groupKey"`
	GroupLabel   string    `json:"groupLabel"`
	Name         string    `json:"name"`
	RecordID     string    `json:"recordId"`
	LastModified time.Time `json:"lastModified"`
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
