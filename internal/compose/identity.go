package compose

import (
	"fmt"
	"regexp"
	"strings"
)

// Identity holds everything that goes into a compose id.
type Identity struct {
	Short              string
	Version            string
	ReleaseType        string
	BaseProductShort   string
	BaseProductVersion string
	// production, nightly, test or ci
	Type   string
	Date   string
	Respin int
	Label  string
}

var typeSuffixes = map[string]string{
	"production": "",
	"nightly":    ".n",
	"test":       ".t",
	"ci":         ".ci",
}

// TypeSuffix is the suffix following the date in the compose id.
func (i Identity) TypeSuffix() string {
	return typeSuffixes[i.Type]
}

// ReleaseTypeSuffix distinguishes e.g. updates composes from GA ones.
func (i Identity) ReleaseTypeSuffix() string {
	if i.ReleaseType == "" || i.ReleaseType == "ga" {
		return ""
	}
	return "-" + i.ReleaseType
}

func (i Identity) IsLayered() bool {
	return i.BaseProductShort != "" && i.BaseProductVersion != ""
}

// prefix is the part of the compose id preceding the date.
func (i Identity) prefix() string {
	p := fmt.Sprintf("%s-%s%s", i.Short, i.Version, i.ReleaseTypeSuffix())
	if i.IsLayered() {
		p += fmt.Sprintf("-%s-%s", i.BaseProductShort, i.BaseProductVersion)
	}
	return p
}

// ComposeID renders {short}-{version}[-{bps}-{bpv}]-{date}{type_suffix}.{respin}.
func (i Identity) ComposeID() string {
	return fmt.Sprintf("%s-%s%s.%d", i.prefix(), i.Date, i.TypeSuffix(), i.Respin)
}

var labelRegexp = regexp.MustCompile(`^(Alpha|Beta|RC|Update|SecurityFix)-[0-9]+(\.[0-9]+)?$`)

// VerifyLabel checks the label format, e.g. RC-1.2 or Beta-1.
func VerifyLabel(label string) error {
	if label == "" {
		return nil
	}
	if !labelRegexp.MatchString(label) {
		return fmt.Errorf("invalid compose label %q", label)
	}
	return nil
}

// LabelMajorVersion returns the major version of the label: "RC-1.2" gives
// "1".
func (i Identity) LabelMajorVersion() string {
	if i.Label == "" {
		return ""
	}
	v := i.Label
	if idx := strings.LastIndex(v, "-"); idx >= 0 {
		v = v[idx+1:]
	}
	if idx := strings.Index(v, "."); idx >= 0 {
		v = v[:idx]
	}
	return v
}

// MajorVersion cuts a version at the first dot.
func MajorVersion(version string) string {
	if idx := strings.Index(version, "."); idx >= 0 {
		return version[:idx]
	}
	return version
}
