package book

import "strings"

// TypeMatches reports whether a payload's fully-qualified type name matches a
// registered name. Registration uses the trailing component so handlers never
// need to know the wire package prefix: "CustomerCreated" matches
// "chronicle.customer.CustomerCreated". A registered name containing dots must
// match a dotted suffix ("customer.CustomerCreated"), never a partial
// component ("stomerCreated" does not match).
func TypeMatches(fullName, registered string) bool {
	fullName = strings.TrimSpace(fullName)
	registered = strings.TrimSpace(registered)
	if fullName == "" || registered == "" {
		return false
	}
	if fullName == registered {
		return true
	}
	return strings.HasSuffix(fullName, "."+registered)
}
