package site

import "errors"

var (
	// ErrIncorrectCredentials is returned when the cloud rejects the login.
	// Retrying does not help.
	ErrIncorrectCredentials = errors.New("site: incorrect credentials")

	// ErrUnexpectedResponse is returned when the cloud answers with
	// something other than the documented JSON.
	ErrUnexpectedResponse = errors.New("site: unexpected API response")

	// ErrCacheMiss is returned by a cache that holds no site.
	ErrCacheMiss = errors.New("site: no cached site")

	// ErrNoSites is returned when the account has no sites.
	ErrNoSites = errors.New("site: account has no sites")

	// ErrUnknownPolicy is returned for an unrecognised cache policy.
	ErrUnknownPolicy = errors.New("site: unknown cache policy")
)
