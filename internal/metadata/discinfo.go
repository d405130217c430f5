package metadata

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// DiscInfo is the four line .discinfo file. No disc numbers means the
// tree is not split ("ALL").
type DiscInfo struct {
	Timestamp   float64
	Description string
	Arch        string
	DiscNumbers []int
}

func (d DiscInfo) Write(path string) error {
	discs := "ALL"
	if len(d.DiscNumbers) > 0 {
		nums := make([]string, len(d.DiscNumbers))
		for i, n := range d.DiscNumbers {
			nums[i] = strconv.Itoa(n)
		}
		discs = strings.Join(nums, ",")
	}
	content := fmt.Sprintf("%s\n%s\n%s\n%s\n", strconv.FormatFloat(d.Timestamp, 'f', -1, 64), d.Description, d.Arch, discs)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

func LoadDiscInfo(path string) (*DiscInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 3 {
		return nil, fmt.Errorf("%s: expected at least 3 lines, got %d", path, len(lines))
	}
	ts, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return nil, fmt.Errorf("%s: bad timestamp: %w", path, err)
	}
	d := &DiscInfo{Timestamp: ts, Description: lines[1], Arch: lines[2]}
	if len(lines) > 3 && lines[3] != "ALL" {
		for _, n := range splitList(lines[3]) {
			num, err := strconv.Atoi(n)
			if err != nil {
				return nil, fmt.Errorf("%s: bad disc number %q", path, n)
			}
			d.DiscNumbers = append(d.DiscNumbers, num)
		}
	}
	return d, nil
}

// WriteMediaRepo writes the media.repo of an installation medium so that
// it can be added as a repository after installation.
func WriteMediaRepo(path, name string, timestamp float64) error {
	f := ini.Empty()
	sec := f.Section("InstallMedia")
	sec.Key("name").SetValue(name)
	sec.Key("mediaid").SetValue(strconv.FormatFloat(timestamp, 'f', -1, 64))
	sec.Key("metadata_expire").SetValue("-1")
	sec.Key("gpgcheck").SetValue("0")
	sec.Key("cost").SetValue("500")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return f.SaveTo(path)
}
