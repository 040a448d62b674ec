package dto

// This package contains DTO (Data Transfer Object) structures
// for providing validated and sanitized values to the service layer

type TaskIdDTO struct {
	TaskID string
}

type ResetStateDTO struct {
	NewStateDBDSN string
}
