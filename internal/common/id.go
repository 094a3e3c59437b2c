package common

import "github.com/google/uuid"

// ShortID returns an 8-character id for worker/node identification in logs.
func ShortID() string {
	return uuid.NewString()[:8]
}
