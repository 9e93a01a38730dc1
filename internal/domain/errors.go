package domain

import "errors"

var (
	ErrJobNotFound               = errors.New("job not found")
	ErrJobCancelled              = errors.New("job cancelled")
	ErrShutdown                  = errors.New("interrupted by shutdown")
	ErrTelemetryUnavailable      = errors.New("telemetry unavailable")
	ErrIncompatibleModel         = errors.New("incompatible model")
	ErrBackendFailure            = errors.New("backend failure")
	ErrPostProcessingUnavailable = errors.New("post-processing unavailable")
	ErrSubscriberDeliveryFailure = errors.New("subscriber delivery failure")
	ErrUnknownModel              = errors.New("unknown model")
	ErrUnsupportedLanguage       = errors.New("unsupported language")
	ErrUnknownBackend            = errors.New("no backend registered for model family")
	ErrMediaDecode               = errors.New("media decode failed")
	ErrInvalidID                 = errors.New("invalid job ID")
	ErrDatabaseError             = errors.New("database error")
)
