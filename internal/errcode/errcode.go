// Package errcode generates the short correlation codes attached to every
// user-visible error. The same code is written to the log line and to the
// stream event, so support can grep logs for a code a user quotes without
// the client ever seeing provider names or stack detail.
package errcode

import (
	"strings"

	"github.com/google/uuid"
)

// Prefix identifies this service in correlation codes.
const Prefix = "BP"

// New returns a fresh correlation code, e.g. "BP-3F8A2C".
func New() string {
	return Prefix + "-" + strings.ToUpper(uuid.New().String()[:6])
}
