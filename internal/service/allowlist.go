package service

import "github.com/inkpress/inkpress/internal/model"

// IsIPAllowed reports whether ip may use the identity. An empty allow-list
// admits every address; otherwise only exact string matches pass. There is
// no CIDR or wildcard matching.
func IsIPAllowed(id *model.Identity, ip string) bool {
	return allowed(id.AllowedIPs, ip)
}

// IsOriginAllowed reports whether origin may use the identity, with the
// same exact-match rule as IsIPAllowed.
func IsOriginAllowed(id *model.Identity, origin string) bool {
	return allowed(id.AllowedOrigins, origin)
}

func allowed(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
