package util

import (
	"regexp"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// endpointRegex accepts http/https URLs only; worker endpoints are validated
// at registration so the routing hot path can trust the cached address.
var endpointRegex = regexp.MustCompile(`^https?://[a-zA-Z0-9][a-zA-Z0-9\-._~:/?#\[\]@!$&'()*+,;=]*$`)

const maxEndpointLen = 500

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

func IsValidEndpointURL(s string) bool {
	return len(s) < maxEndpointLen && endpointRegex.MatchString(s)
}

func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}
