package domain

import "strings"

// FallbackIdentityPrefix marks built-in egress identities. Their results are
// never reported to the admin service.
const FallbackIdentityPrefix = "hardcoded-"

// Identity is one outbound egress proxy. The pool orders identities by
// (priority desc, success_rate desc).
type Identity struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Priority    int     `json:"priority"`
	SuccessRate float64 `json:"success_rate"`
}

func (i Identity) IsFallback() bool {
	return strings.HasPrefix(i.ID, FallbackIdentityPrefix)
}
