package wrappers

import (
	"path/filepath"
	"strings"
)

// JigdoSource is one directory jigdo-file may look up files in. Label and
// URI are optional.
type JigdoSource struct {
	Path  string
	Label string
	URI   string
}

// JigdoArgv produces the .jigdo and .template files for image in
// outputDir.
func JigdoArgv(image string, sources []JigdoSource, outputDir string, noServers bool) []string {
	base := filepath.Base(image)
	argv := []string{
		"jigdo-file", "make-template", "--force",
		"--image=" + image,
		"--jigdo=" + filepath.Join(outputDir, base+".jigdo"),
		"--template=" + filepath.Join(outputDir, base+".template"),
	}
	if noServers {
		argv = append(argv, "--no-servers-section")
	}
	for _, s := range sources {
		// the double slash marks where the relative part begins
		path := strings.TrimRight(s.Path, "/") + "//"
		argv = append(argv, path)
		if s.Label != "" {
			argv = append(argv, "--label="+s.Label+"="+strings.TrimRight(path, "/"))
			if s.URI != "" {
				argv = append(argv, "--uri="+s.Label+"="+s.URI)
			}
		}
	}
	return argv
}
