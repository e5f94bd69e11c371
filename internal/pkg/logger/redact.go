package logger

import "strings"

// RedactEmail masks an address for safe logging, keeping at most the
// first two characters of the local part and the full domain:
// "john.doe@example.com" becomes "jo***@example.com". Values that do
// not look like a single address collapse to "***@***".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
