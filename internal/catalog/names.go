package catalog

import (
	"regexp"
	"strings"

	"github.com/revittco/mcprouter/internal/errs"
)

var exposedRe = regexp.MustCompile(`^([a-z0-9_]+)__(.+)$`)

// Slug lowercases the name and maps every non-alphanumeric rune to "_".
func Slug(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ExposedName is the client-visible tool name, unique across servers.
func ExposedName(serverName, rawName string) string {
	return Slug(serverName) + "__" + rawName
}

// ParseExposedName recovers the server slug and raw tool name.
func ParseExposedName(exposed string) (serverSlug, rawName string, err error) {
	m := exposedRe.FindStringSubmatch(exposed)
	if m == nil {
		return "", "", errs.Newf(errs.KindValidation, "malformed tool name %q", exposed)
	}
	return m[1], m[2], nil
}
