package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// FirstVersion is assigned when no version exists for a pair.
const FirstVersion = "0.0.1"

type semver [3]int

func parseVersion(v string) semver {
	var out semver
	parts := strings.SplitN(strings.TrimPrefix(strings.TrimSpace(v), "v"), ".", 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err == nil && n >= 0 {
			out[i] = n
		}
	}
	return out
}

// CompareVersions orders semantic versions numerically per component.
func CompareVersions(a, b string) int {
	va, vb := parseVersion(a), parseVersion(b)
	for i := range va {
		switch {
		case va[i] < vb[i]:
			return -1
		case va[i] > vb[i]:
			return 1
		}
	}
	return 0
}

// NextVersion bumps the patch component of latest.
func NextVersion(latest string) string {
	if latest == "" {
		return FirstVersion
	}
	v := parseVersion(latest)
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2]+1)
}
