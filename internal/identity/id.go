// Package identity generates the prefixed IDs used across the vault.
// An ID combines a time component with random bytes so concurrent callers
// never need a central sequence: cred_<unix-ms base36>_<12 random hex>.
package identity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID prefixes per resource kind.
const (
	prefixCredential = "cred"
	prefixPolicy     = "policy"
	prefixAudit      = "audit"
	prefixKey        = "key"
)

func newID(prefix string) string {
	ts := strconv.FormatInt(time.Now().UTC().UnixMilli(), 36)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_%s_%s", prefix, ts, random)
}

// NewCredentialID returns a fresh cred_ ID.
func NewCredentialID() string { return newID(prefixCredential) }

// NewPolicyID returns a fresh policy_ ID.
func NewPolicyID() string { return newID(prefixPolicy) }

// NewAuditID returns a fresh audit_ ID.
func NewAuditID() string { return newID(prefixAudit) }

// NewKeyID returns a fresh key_ ID.
func NewKeyID() string { return newID(prefixKey) }
