// Package access decides whether a session may join a board.
package access

import (
	"strings"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/board"
)

// Decision is the outcome of a join-time access check.
type Decision string

const (
	Allowed      Decision = "allowed"
	Unauthorized Decision = "unauthorized"
	Forbidden    Decision = "forbidden"
)

// Check admits anyone to an unrestricted board. A restricted board admits only authenticated users
// whose email matches an allow-list entry, either exactly or by domain suffix.
func Check(policy *board.AccessPolicy, user board.UserInfo) Decision {
	if !policy.Restricted() {
		return Allowed
	}
	if user.Kind != board.IdentityAuthenticated || strings.TrimSpace(user.Email) == "" {
		return Unauthorized
	}
	email := strings.ToLower(strings.TrimSpace(user.Email))
	for _, rule := range policy.AllowList {
		if matches(rule, email) {
			return Allowed
		}
	}
	return Forbidden
}

func matches(rule board.AccessRule, email string) bool {
	if ruleEmail := strings.ToLower(strings.TrimSpace(rule.Email)); ruleEmail != "" && ruleEmail == email {
		return true
	}
	domain := strings.ToLower(strings.TrimSpace(rule.Domain))
	domain = strings.TrimPrefix(domain, "@")
	if domain == "" {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	host := email[at+1:]
	return host == domain || strings.HasSuffix(host, "."+domain)
}
