package access

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is matched by every UnauthorizedError.
var ErrUnauthorized = errors.New("unauthorized")

// UnauthorizedError reports a caller that may not touch a collection.
type UnauthorizedError struct {
	Collection string
	// Missing lists required scope fields the credential lacks, sorted.
	Missing []string
	Reason  string
}

func (e *UnauthorizedError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("unauthorized for collection %q: missing scope values for %s",
			e.Collection, strings.Join(e.Missing, ","))
	}
	return fmt.Sprintf("unauthorized for collection %q: %s", e.Collection, e.Reason)
}

func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }
