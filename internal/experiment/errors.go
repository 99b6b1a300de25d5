package experiment

import "errors"

// Error kinds returned by the engines. Callers match them with errors.Is;
// each is wrapped with the listing and experiment it concerns.
var (
	// ErrPrecondition: testing slot occupied, experiment not in the expected
	// collection, or a required snapshot is missing. Nothing was mutated.
	ErrPrecondition = errors.New("precondition violation")

	// ErrValidation: the change cannot be turned into a valid update.
	// Raised before any external call.
	ErrValidation = errors.New("validation failure")

	// ErrExternalCall: the listing or image API failed. Side effects that
	// happened before the failure are not undone; retry the whole operation.
	ErrExternalCall = errors.New("external call failure")

	// ErrDataConsistency: a manifest lacks usable image ids.
	ErrDataConsistency = errors.New("data consistency failure")

	ErrNotEvaluable = errors.New("experiment not evaluable")

	// ErrNotFound: a read model lookup matched no experiment.
	ErrNotFound = errors.New("experiment not found")
)
