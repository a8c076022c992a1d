package origin

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	ErrInvalidOrigin     = errors.New("invalid origin URL")
	ErrInvalidIdentifier = errors.New("invalid content identifier")
)

// Identifier shapes accepted for content-addressed schemes. Anything else
// on an ipfs/ipns hostname is treated as a spoofing attempt.
var (
	cidV0Re       = regexp.MustCompile(`^Qm[1-9A-HJ-NP-Za-km-z]{44}$`)
	cidV1Base32Re = regexp.MustCompile(`(?i)^b[a-z2-7]{50,}$`)
	cidV1Base58Re = regexp.MustCompile(`^z[1-9A-HJ-NP-Za-km-z]{48,}$`)
	ipnsKeyRe     = regexp.MustCompile(`^(k[1-9A-HJ-NP-Za-km-z]{50,}|12D3[1-9A-HJ-NP-Za-km-z]{40,})$`)
)

// ValidIdentifier reports whether s is a well-formed CIDv0, CIDv1 or
// IPNS key / libp2p peer id.
func ValidIdentifier(s string) bool {
	return cidV0Re.MatchString(s) ||
		cidV1Base32Re.MatchString(s) ||
		cidV1Base58Re.MatchString(s) ||
		ipnsKeyRe.MatchString(s)
}

// Normalize canonicalizes rawURL into the key used for all authorization
// decisions. http/https collapse to their URL origin; ipfs/ipns collapse
// to scheme://identifier after identifier validation. Two URLs the user
// would consider the same site normalize to the same key.
func Normalize(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, rawURL)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "http", "https":
		host := strings.ToLower(parsed.Host)
		if host == "" {
			return "", fmt.Errorf("%w: %q has no host", ErrInvalidOrigin, rawURL)
		}
		// Default ports do not change the site identity.
		if scheme == "http" {
			host = strings.TrimSuffix(host, ":80")
		} else {
			host = strings.TrimSuffix(host, ":443")
		}
		return scheme + "://" + host, nil
	case "ipfs", "ipns":
		id := parsed.Host
		if id == "" {
			// url.Parse keeps ipfs://Qm... in Opaque when the scheme is
			// not registered as authority-based.
			id = strings.SplitN(strings.TrimPrefix(parsed.Opaque, "//"), "/", 2)[0]
		}
		if !ValidIdentifier(id) {
			return "", fmt.Errorf("%w: %s identifier %q", ErrInvalidIdentifier, strings.ToUpper(scheme), id)
		}
		return scheme + "://" + id, nil
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOrigin, parsed.Scheme)
	}
}
