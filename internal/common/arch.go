package common

// Compatible rpm arches for each yum arch, best first. Mirrors the rpm
// arch compatibility tree limited to the arches a compose can target.
var archCompat = map[string][]string{
	"x86_64":   {"x86_64", "athlon", "i686", "i586", "i486", "i386"},
	"athlon":   {"athlon", "i686", "i586", "i486", "i386"},
	"i686":     {"i686", "i586", "i486", "i386"},
	"i586":     {"i586", "i486", "i386"},
	"i486":     {"i486", "i386"},
	"i386":     {"i386"},
	"aarch64":  {"aarch64"},
	"ppc64le":  {"ppc64le"},
	"ppc64":    {"ppc64", "ppc"},
	"ppc":      {"ppc"},
	"s390x":    {"s390x", "s390"},
	"s390":     {"s390"},
	"armv7hnl": {"armv7hnl", "armv7hl", "armv6hl"},
	"armv7hl":  {"armv7hl", "armv6hl"},
	"armv7l":   {"armv7l", "armv6l", "armv5tejl", "armv5tel"},
	"riscv64":  {"riscv64"},
}

// secondary arch used for multilib in a tree of the given yum arch
var multilibArch = map[string]string{
	"x86_64": "athlon",
	"ppc64":  "ppc",
	"s390x":  "s390",
}

var treeArchToYumArch = map[string]string{
	"i386":   "i686",
	"arm":    "armv7l",
	"armhfp": "armv7hnl",
}

var baseArch = map[string]string{
	"athlon":    "i386",
	"i686":      "i386",
	"i586":      "i386",
	"i486":      "i386",
	"armv7hnl":  "armhfp",
	"armv7hl":   "armhfp",
	"armv6hl":   "armhfp",
	"armv7l":    "arm",
	"armv6l":    "arm",
	"armv5tejl": "arm",
	"armv5tel":  "arm",
}

// TreeArchToYumArch is the opposite of BaseArch.
func TreeArchToYumArch(treeArch string) string {
	if a, ok := treeArchToYumArch[treeArch]; ok {
		return a
	}
	return treeArch
}

// BaseArch returns the tree arch an rpm arch belongs to (i686 -> i386).
func BaseArch(arch string) string {
	if a, ok := baseArch[arch]; ok {
		return a
	}
	return arch
}

// ValidMultilibArches lists the secondary arches whose packages can end up
// in a tree of treeArch through multilib.
func ValidMultilibArches(treeArch string) []string {
	ml, ok := multilibArch[TreeArchToYumArch(treeArch)]
	if !ok {
		return nil
	}
	return append([]string(nil), archCompat[ml]...)
}

// ValidArches lists rpm arches usable in a tree of treeArch, best first.
func ValidArches(treeArch string, multilib, addNoarch, addSrc bool) []string {
	if treeArch == "src" {
		return []string{"src", "nosrc"}
	}
	yumArch := TreeArchToYumArch(treeArch)
	compat, ok := archCompat[yumArch]
	if !ok {
		compat = []string{yumArch}
	}
	var result []string
	exclude := map[string]bool{}
	if !multilib {
		for _, a := range ValidMultilibArches(treeArch) {
			exclude[a] = true
		}
	}
	for _, a := range compat {
		if !exclude[a] && !StringInSlice(result, a) {
			result = append(result, a)
		}
	}
	if addNoarch {
		result = append(result, "noarch")
	}
	if addSrc {
		result = append(result, "src", "nosrc")
	}
	return result
}

// ArchPreference returns the position of arch in the preference order for
// treeArch; lower is better and unknown arches sort last.
func ArchPreference(treeArch, arch string) int {
	for i, a := range ValidArches(treeArch, true, true, true) {
		if a == arch {
			return i
		}
	}
	return 1 << 16
}

// BuildArch is the arch a runroot task for treeArch is scheduled on.
func BuildArch(treeArch string) string {
	return BaseArch(TreeArchToYumArch(treeArch))
}

// IsKnownArch reports whether arch is an rpm arch a compose may contain.
func IsKnownArch(arch string) bool {
	switch arch {
	case "noarch", "src", "nosrc":
		return true
	}
	for _, compat := range archCompat {
		if StringInSlice(compat, arch) {
			return true
		}
	}
	return false
}
