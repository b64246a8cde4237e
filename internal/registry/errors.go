package registry

import "fmt"

// ValidationError is a schema violation on an agent entry — most commonly
// a wrong-dimension embedding.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q: %s", e.Field, e.Reason)
}

// ConflictError signals a duplicate agent_id or agent_type on insert.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

// NotFoundError signals an agent absent from the registry.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("agent %q not found", e.ID) }

// RegistryError is a catch-all persistence failure.
type RegistryError struct {
	Reason string
}

func (e *RegistryError) Error() string { return "registry error: " + e.Reason }
