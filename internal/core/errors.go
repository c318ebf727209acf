package core

import "errors"

var (
	// ErrValidation indicates a request rejected locally before any provider contact.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientQuota indicates the account cannot cover the requested characters.
	ErrInsufficientQuota = errors.New("insufficient quota")
	// ErrProviderRejected indicates the provider refused or failed a job.
	ErrProviderRejected = errors.New("provider rejected job")
	// ErrResultUnavailable indicates finished audio could not be retrieved or is implausible.
	ErrResultUnavailable = errors.New("result unavailable")
	// ErrVoiceUnavailable indicates the selected voice is under maintenance.
	ErrVoiceUnavailable = errors.New("voice unavailable")
	// ErrDiacritizationFault indicates the diacritization pass failed on the provider.
	ErrDiacritizationFault = errors.New("diacritization failed")
	// ErrBlockNotFound indicates an unknown block ID.
	ErrBlockNotFound = errors.New("block not found")
	// ErrAccountNotFound indicates the user has no subscription record.
	ErrAccountNotFound = errors.New("subscription not found")
)
