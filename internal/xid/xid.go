package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// localPrefix marks identifiers minted on the device before the remote
// authority has accepted the record.
const localPrefix = "local-"

// New returns a temporary local identifier such as "local-cust-<uuid>".
func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s%s-%d", localPrefix, prefix, time.Now().UnixNano())
	}
	return localPrefix + prefix + "-" + id.String()
}

// IsLocal reports whether id was minted by New.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}
