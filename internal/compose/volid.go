package compose

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// VolumeIDError is returned when no format yields a volume id that fits
// into the 32 bytes allowed by ISO 9660.
type VolumeIDError struct {
	Tried []string
}

func (e *VolumeIDError) Error() string {
	return fmt.Sprintf("could not create volume ID shorter than 32 bytes, options are %q", e.Tried)
}

const maxVolIDLength = 32

var placeholderRegexp = regexp.MustCompile(`\{([a-z_]+)\}`)

// Format substitutes {name} placeholders. Unknown placeholders are an error.
func Format(format string, substs map[string]string) (string, error) {
	var missing []string
	out := placeholderRegexp.ReplaceAllStringFunc(format, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := substs[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unknown format element %q in %q", missing[0], format)
	}
	return out, nil
}

// FormatSubsts returns the placeholders available to every name template
// with extra merged on top.
func (c *Compose) FormatSubsts(extra map[string]string) map[string]string {
	substs := map[string]string{
		"compose_id":          c.ComposeID(),
		"release_short":       c.Identity.Short,
		"version":             c.Identity.Version,
		"date":                c.Identity.Date,
		"respin":              strconv.Itoa(c.Identity.Respin),
		"type":                c.Identity.Type,
		"type_suffix":         c.Identity.TypeSuffix(),
		"label":               c.Identity.Label,
		"label_major_version": c.Identity.LabelMajorVersion(),
	}
	for k, v := range extra {
		substs[k] = v
	}
	return substs
}

// VolIDRequest describes one volume id computation. Formats overrides the
// configured ones; Extra adds placeholders such as {volid} for extra ISOs.
type VolIDRequest struct {
	Arch     string
	Variant  *Variant
	DiscType string
	Formats  []string
	Extra    map[string]string
}

// GetVolID returns the first formatted volume id of at most 32 characters.
// Addons live on their parent's media and get no volume id.
func (c *Compose) GetVolID(req VolIDRequest) (string, error) {
	v := req.Variant
	if v != nil && v.Type == VariantTypeAddon {
		return "", nil
	}

	releaseShort := c.Conf.ReleaseShort
	releaseVersion := c.Conf.ReleaseVersion
	layered := c.Conf.IsLayered()
	baseShort := c.Conf.BaseProductShort
	baseVersion := c.Conf.BaseProductVersion
	variantUID := ""
	if v != nil {
		variantUID = v.UID
	}
	if v != nil && v.Type == VariantTypeLayeredProduct {
		releaseShort = v.ReleaseShort
		releaseVersion = v.ReleaseVersion
		layered = true
		baseShort = c.Conf.ReleaseShort
		baseVersion = MajorVersion(c.Conf.ReleaseVersion)
		variantUID = v.Parent
	}

	formats := req.Formats
	if len(formats) == 0 {
		formats = c.Conf.ImageVolIDFormats
		if layered {
			formats = append(append([]string{}, c.Conf.ImageVolIDLayeredFormats...), formats...)
		}
	}

	extra := map[string]string{
		"variant":              variantUID,
		"release_short":        releaseShort,
		"version":              releaseVersion,
		"arch":                 req.Arch,
		"disc_type":            req.DiscType,
		"base_product_short":   baseShort,
		"base_product_version": baseVersion,
	}
	for k, val := range req.Extra {
		extra[k] = val
	}
	substs := c.FormatSubsts(extra)

	volid := ""
	var tried []string
	for _, f := range formats {
		if variantUID == "" && strings.Contains(f, "{variant}") {
			continue
		}
		formatted, err := Format(f, substs)
		if err != nil {
			return "", fmt.Errorf("failed to create volume id: %w", err)
		}
		volid = c.applySubstitutions(formatted)
		if len(volid) <= maxVolIDLength {
			break
		}
		tried = append(tried, volid)
	}
	if len(volid) > maxVolIDLength {
		sort.SliceStable(tried, func(i, j int) bool { return len(tried[i]) < len(tried[j]) })
		return "", &VolumeIDError{Tried: tried}
	}
	if c.Conf.RestrictedVolID {
		volid = restrictedVolIDRegexp.ReplaceAllString(volid, "-")
	}
	return volid, nil
}

var restrictedVolIDRegexp = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// applySubstitutions replaces configured substrings, longest first.
func (c *Compose) applySubstitutions(volid string) string {
	keys := make([]string, 0, len(c.Conf.VolumeIDSubstitutions))
	for k := range c.Conf.VolumeIDSubstitutions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		volid = strings.TrimSpace(strings.ReplaceAll(volid, k, c.Conf.VolumeIDSubstitutions[k]))
	}
	return volid
}

const DefaultImageNameFormat = "{compose_id}-{variant}-{arch}-{disc_type}{disc_num}{suffix}"

// ImageNameRequest describes an image file name. DiscNum 0 leaves the
// number out. Format overrides the configured image_name_format.
type ImageNameRequest struct {
	Arch     string
	Variant  *Variant
	DiscType string
	DiscNum  int
	Suffix   string
	Format   string
	Extra    map[string]string
}

// GetImageName renders the file name of an image.
func (c *Compose) GetImageName(req ImageNameRequest) (string, error) {
	format := req.Format
	if format == "" {
		format = c.Conf.ImageNameFormat
	}
	if format == "" {
		format = DefaultImageNameFormat
	}
	arch := req.Arch
	if arch == "src" {
		arch = "source"
	}
	discNum := ""
	if req.DiscNum > 0 {
		discNum = strconv.Itoa(req.DiscNum)
	}
	suffix := req.Suffix
	if suffix == "" {
		suffix = ".iso"
	}
	v := req.Variant
	extra := map[string]string{
		"variant":   v.UID,
		"arch":      arch,
		"disc_type": req.DiscType,
		"disc_num":  discNum,
		"suffix":    suffix,
	}
	if v.Type == VariantTypeLayeredProduct {
		extra["variant"] = v.Parent
		extra["release_short"] = v.ReleaseShort
		extra["version"] = v.ReleaseVersion
		extra["base_product_short"] = c.Conf.ReleaseShort
		extra["base_product_version"] = MajorVersion(c.Conf.ReleaseVersion)
	}
	for k, val := range req.Extra {
		extra[k] = val
	}
	return Format(format, c.FormatSubsts(extra))
}
