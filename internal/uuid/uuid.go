// Package uuid generates request correlation identifiers.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID in its canonical text form.
func New() string {
	return uuid.NewString()
}
