package compose

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/osbuild/pungi/internal/common"
)

// DefaultAllowedStatuses are the statuses of old composes that may be
// reused.
var DefaultAllowedStatuses = []common.ComposeStatus{
	common.StatusFinished,
	common.StatusFinishedIncomplete,
	common.StatusDoomed,
}

type oldCompose struct {
	prefix string
	respin int
	path   string
}

// FindOldCompose looks in dirs for the most recent compose of the same
// release. Directory names must be {short}-{version}{suffix}[-{bps}][-{bpv}]
// followed by a separator and a digit. Ties on the date part are broken by
// the numeric respin, so .10 sorts after .9.
func FindOldCompose(dirs []string, id Identity, allowed []common.ComposeStatus) string {
	if len(allowed) == 0 {
		allowed = DefaultAllowedStatuses
	}
	pattern := id.Short + "-" + id.Version + id.ReleaseTypeSuffix()
	if id.BaseProductShort != "" {
		pattern += "-" + id.BaseProductShort
	}
	if id.BaseProductVersion != "" {
		pattern += "-" + id.BaseProductVersion
	}

	var found []oldCompose
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasPrefix(name, pattern) {
				continue
			}
			// guards against matching foo-updates-testing when looking
			// for foo-updates
			suffix := name[len(pattern):]
			if len(suffix) < 2 || suffix[1] < '0' || suffix[1] > '9' {
				continue
			}
			path := filepath.Join(dir, name)
			if st, err := os.Stat(path); err != nil || !st.IsDir() {
				continue
			}
			status, err := ReadStatus(filepath.Join(path, "STATUS"))
			if err != nil || !statusAllowed(status, allowed) {
				continue
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				continue
			}
			found = append(found, sortable(name, abs))
		}
	}
	if len(found) == 0 {
		return ""
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].prefix != found[j].prefix {
			return found[i].prefix < found[j].prefix
		}
		return found[i].respin < found[j].respin
	})
	return found[len(found)-1].path
}

func sortable(name, path string) oldCompose {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return oldCompose{prefix: name, path: path}
	}
	respin, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return oldCompose{prefix: name, path: path}
	}
	return oldCompose{prefix: name[:idx], respin: respin, path: path}
}

func statusAllowed(status common.ComposeStatus, allowed []common.ComposeStatus) bool {
	for _, a := range allowed {
		if a == status {
			return true
		}
	}
	return false
}

// ReadStatus parses a STATUS file.
func ReadStatus(path string) (common.ComposeStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return common.ParseComposeStatus(strings.TrimSpace(string(data)))
}

// NextRespin returns the first respin for which no compose directory with
// the same identity exists in targetDir.
func NextRespin(targetDir string, id Identity) int {
	entries, err := os.ReadDir(targetDir)
	if err != nil {
		return 0
	}
	prefix := id.prefix() + "-" + id.Date + id.TypeSuffix() + "."
	next := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		respin, err := strconv.Atoi(name[len(prefix):])
		if err != nil {
			continue
		}
		if respin >= next {
			next = respin + 1
		}
	}
	return next
}
