package users

import (
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	placeholderLocalPart    = "omniauth"
	placeholderDomainPrefix = "participacion-"
	placeholderDomainSuffix = ".com"
	encodedExternalIDPrefix = "x-"
	encodedProviderPrefix   = "_"
)

var (
	plainExternalID    = regexp.MustCompile(`^[a-z0-9]+$`)
	placeholderPattern = regexp.MustCompile(`^` + placeholderLocalPart + `@` + placeholderDomainPrefix + `[a-z0-9-]+-[a-z0-9_]+\` + placeholderDomainSuffix + `$`)
)

// PlaceholderEmail synthesizes the stand-in address for a provider login without an email.
// Lower-case alphanumeric external ids are used verbatim; anything else is hex encoded
// behind a hyphenated prefix so distinct ids never share an address. The provider
// segment never contains a hyphen: tags outside the provider pattern are hex encoded
// behind an underscore, which no valid tag starts with.
func PlaceholderEmail(externalID, provider string) string {
	id := normalize(externalID)
	if !plainExternalID.MatchString(id) {
		id = encodedExternalIDPrefix + hex.EncodeToString([]byte(id))
	}
	tag := NormalizeProvider(provider)
	if !providerTagPattern.MatchString(tag) {
		tag = encodedProviderPrefix + hex.EncodeToString([]byte(tag))
	}
	return placeholderLocalPart + "@" + placeholderDomainPrefix + id + "-" + tag + placeholderDomainSuffix
}

// IsPlaceholderEmail reports whether email was produced by PlaceholderEmail.
func IsPlaceholderEmail(email string) bool {
	return placeholderPattern.MatchString(strings.ToLower(normalize(email)))
}
