package registry

import (
	"regexp"
	"strings"
)

// variantSuffix matches a trailing environment/variant marker on a deployment
// name, e.g. "checkout-blue" or "payments-v2".
var variantSuffix = regexp.MustCompile(`-(blue|green|canary|prod|dev|staging|v\d+)$`)

// Suggest proposes a ui_name for a scanned deployment during bulk import.
// An exact match against an existing name wins (the deployment is already
// mapped correctly). Otherwise the longest existing name that prefixes the
// deployment is reused, so blue/green or canary siblings fold into the
// service that already covers their base name. Failing both, one trailing
// variant suffix is stripped.
func Suggest(deploymentName string, used []string) string {
	longest := ""
	for _, name := range used {
		if name == deploymentName {
			return deploymentName
		}
		if strings.HasPrefix(deploymentName, name) && len(name) > len(longest) {
			longest = name
		}
	}
	if longest != "" {
		return longest
	}
	return variantSuffix.ReplaceAllString(deploymentName, "")
}
