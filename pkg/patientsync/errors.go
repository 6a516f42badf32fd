package patientsync

import (
	"errors"
	"fmt"

	"github.com/synaptica-ai/patient-sync/pkg/derived"
	"github.com/synaptica-ai/patient-sync/pkg/registry"
	"github.com/synaptica-ai/patient-sync/pkg/store"
)

var ErrInvalidEnrollment = errors.New("invalid enrollment")

// UnknownPatientError is returned when a CustomerID has no staging row to
// copy enrollment data from.
type UnknownPatientError struct {
	CustomerID string
}

func (e *UnknownPatientError) Error() string {
	return fmt.Sprintf("unknown patient %q: no staging record", e.CustomerID)
}

// StorageError wraps a failure of the underlying store or of the commit.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func IsUnknownPatient(err error) bool {
	var ue *UnknownPatientError
	return errors.As(err, &ue)
}

func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsPermanent reports errors that will fail again on retry with the same input.
func IsPermanent(err error) bool {
	return derived.IsInvalidDate(err) ||
		IsUnknownPatient(err) ||
		errors.Is(err, registry.ErrInvalidCountry) ||
		errors.Is(err, ErrInvalidEnrollment)
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// classify leaves typed errors alone and treats everything else, such as a
// failed commit, as a storage failure.
func classify(op string, err error) error {
	if IsPermanent(err) || IsStorageError(err) || errors.Is(err, store.ErrConflict) {
		return err
	}
	return storageErr(op, err)
}
