package processing

import (
	"errors"
	"fmt"

	"streamvault/internal/storage"
)

var (
	// ErrAssetNotFound is reported when the asset a pipeline drives no longer
	// exists. It matches storage.ErrNotFound under errors.Is.
	ErrAssetNotFound = fmt.Errorf("processing: asset %w", storage.ErrNotFound)
	// ErrSupervisorClosed is returned by Start after Shutdown.
	ErrSupervisorClosed = errors.New("processing: supervisor closed")
)

// PersistError reports a store write the pipeline could not commit. The
// pipeline forces the asset to failed once when it sees one.
type PersistError struct {
	AssetID string
	Op      string
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("processing: persist %s for asset %s: %v", e.Op, e.AssetID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// ClassifyError wraps a classifier failure.
type ClassifyError struct {
	AssetID string
	Err     error
}

func (e *ClassifyError) Error() string {
	return fmt.Sprintf("processing: classify asset %s: %v", e.AssetID, e.Err)
}

func (e *ClassifyError) Unwrap() error {
	return e.Err
}
