package sandbox

import (
	"regexp"

	"github.com/michaelbrown/gradebox/internal/errs"
)

var publicClassRe = regexp.MustCompile(`\bpublic\s+(?:(?:final|abstract|strictfp)\s+)*class\s+([\p{L}_$][\p{L}\p{N}_$]*)`)

// DetectClassName returns the identifier of the first public class
// declared in a Java source.
func DetectClassName(source string) (string, error) {
	m := publicClassRe.FindStringSubmatch(source)
	if m == nil {
		return "", errs.Validation("no public class found")
	}
	return m[1], nil
}
