// Package model contains the symbol cache data model.
package model

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no cache record or firmware artifact
	// matches the requested identity triple.
	ErrNotFound = errors.New("not found")
	// ErrExpired is returned when a cache record exists but its TTL has lapsed.
	ErrExpired = errors.New("cache record expired")
)

// FailureReason classifies why an extraction pipeline failed.
type FailureReason string

const (
	ReasonNotFound          FailureReason = "NotFound"
	ReasonDownloadFailed    FailureReason = "DownloadFailed"
	ReasonExtractionFailed  FailureReason = "ExtractionFailed"
	ReasonNoSymbolsProduced FailureReason = "NoSymbolsProduced"
	ReasonTimeout           FailureReason = "Timeout"
)

// PipelineError carries the failure reason for a symbol extraction pipeline.
type PipelineError struct {
	Reason FailureReason
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return string(e.Reason) + ": " + e.Err.Error()
	}
	return string(e.Reason)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Retryable reports whether a later call may safely re-run the pipeline
// without an explicit force flag.
func (e *PipelineError) Retryable() bool {
	return e.Reason == ReasonDownloadFailed || e.Reason == ReasonTimeout
}

// CacheRecord is the persisted metadata for one cached symbol table.
// Several alias keys may point at the same payload; they share one lifecycle.
type CacheRecord struct {
	Key string `gorm:"primaryKey" json:"key"`
	// AliasOf names the canonical record this row is an alias of. Alias rows
	// carry no payload; the canonical record owns it.
	AliasOf     string    `gorm:"index" json:"alias_of,omitempty"`
	Payload     []byte    `json:"-"`
	SizeBytes   int64     `json:"size_bytes"`
	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired reports whether the record's TTL has lapsed.
func (r *CacheRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// FirmwareArtifact describes a downloadable firmware image in the repository.
// Multi-device images declare every product identifier they restore.
type FirmwareArtifact struct {
	Name             string    `json:"name"`
	URL              string    `json:"url,omitempty"`
	LocalPath        string    `json:"local_path,omitempty"`
	Size             int64     `json:"size"`
	Modified         time.Time `json:"modified,omitempty"`
	DeviceCandidates []string  `json:"devices"`
	Version          string    `json:"version"`
	Build            string    `json:"build,omitempty"`
}
