package services

import (
	"context"
	"errors"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
)

// ErrNoEngine is returned when a service is built without an engine
var ErrNoEngine = errors.New("license engine not configured")

// mapEngineError converts an engine failure into an API error. Malformed input is a
// 400; anything else is an infrastructure failure and the request is denied with 503.
// Context errors pass through so they render as timeouts.
func mapEngineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, license.ErrInvalidRequest):
		return apierrors.InvalidRequestWithError(err)
	case errors.Is(err, license.ErrLicenseNotFound):
		return apierrors.NewNotFoundError("license")
	default:
		return apierrors.NewStorageError("license store unavailable", err)
	}
}
