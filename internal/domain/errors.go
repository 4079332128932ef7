package domain

import "errors"

var (
	ErrInvalidID          = errors.New("invalid id")
	ErrInvalidName        = errors.New("invalid name")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrInvalidStage       = errors.New("invalid stage")
	ErrInvalidStageType   = errors.New("invalid stage type")
	ErrInvalidStatus      = errors.New("invalid status")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidSignal      = errors.New("invalid signal type")
	ErrInvalidCallOutcome = errors.New("invalid call outcome")
	ErrInvalidToken       = errors.New("invalid tracking token")
	ErrInvalidValue       = errors.New("invalid value")
	ErrInvalidAlertKind   = errors.New("invalid alert kind")
)
