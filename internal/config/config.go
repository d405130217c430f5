// Package config holds the compose configuration: a single TOML document with
// a closed set of keys, decoded on top of defaults and validated before any
// phase runs.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/osbuild/pungi/internal/common"
)

type Config struct {
	// identity
	ReleaseName         string `toml:"release_name" json:"release_name"`
	ReleaseShort        string `toml:"release_short" json:"release_short"`
	ReleaseVersion      string `toml:"release_version" json:"release_version"`
	ReleaseType         string `toml:"release_type" json:"release_type"`
	ReleaseInternal     bool   `toml:"release_internal,omitempty" json:"release_internal,omitempty"`
	BaseProductName     string `toml:"base_product_name,omitempty" json:"base_product_name,omitempty"`
	BaseProductShort    string `toml:"base_product_short,omitempty" json:"base_product_short,omitempty"`
	BaseProductVersion  string `toml:"base_product_version,omitempty" json:"base_product_version,omitempty"`
	BaseProductType     string `toml:"base_product_type,omitempty" json:"base_product_type,omitempty"`
	ComposeType         string `toml:"compose_type" json:"compose_type"`
	ComposeLabel        string `toml:"compose_label,omitempty" json:"compose_label,omitempty"`
	ReleaseDiscinfoDesc string `toml:"release_discinfo_description,omitempty" json:"release_discinfo_description,omitempty"`

	// variants
	Variants     []VariantConfig `toml:"variants" json:"variants"`
	TreeArches   []string        `toml:"tree_arches,omitempty" json:"tree_arches,omitempty"`
	TreeVariants []string        `toml:"tree_variants,omitempty" json:"tree_variants,omitempty"`
	CompsFile    string          `toml:"comps_file,omitempty" json:"comps_file,omitempty"`

	// koji
	KojiProfile    string `toml:"koji_profile" json:"koji_profile"`
	KojiServer     string `toml:"koji_server,omitempty" json:"koji_server,omitempty"`
	KojiTopdir     string `toml:"koji_topdir" json:"koji_topdir"`
	KojiKeytab     string `toml:"koji_keytab,omitempty" json:"koji_keytab,omitempty"`
	KojiPrincipal  string `toml:"koji_principal,omitempty" json:"koji_principal,omitempty"`
	KojiEvent      int    `toml:"koji_event,omitempty" json:"koji_event,omitempty"`
	KojiMaxRetries int    `toml:"koji_max_retries" json:"koji_max_retries"`
	MBSAPIURL      string `toml:"mbs_api_url,omitempty" json:"mbs_api_url,omitempty"`

	// package set
	PkgsetSource             string              `toml:"pkgset_source" json:"pkgset_source"`
	PkgsetKojiTag            StringList          `toml:"pkgset_koji_tag,omitempty" json:"pkgset_koji_tag,omitempty"`
	PkgsetKojiInherit        bool                `toml:"pkgset_koji_inherit" json:"pkgset_koji_inherit"`
	PkgsetKojiInheritModules bool                `toml:"pkgset_koji_inherit_modules" json:"pkgset_koji_inherit_modules"`
	PkgsetKojiModuleTag      StringList          `toml:"pkgset_koji_module_tag,omitempty" json:"pkgset_koji_module_tag,omitempty"`
	PkgsetKojiModuleBuilds   []string            `toml:"pkgset_koji_module_builds,omitempty" json:"pkgset_koji_module_builds,omitempty"`
	PkgsetKojiBuilds         []string            `toml:"pkgset_koji_builds,omitempty" json:"pkgset_koji_builds,omitempty"`
	PkgsetKojiScratchTasks   []int               `toml:"pkgset_koji_scratch_tasks,omitempty" json:"pkgset_koji_scratch_tasks,omitempty"`
	PkgsetScratchModules     map[string][]string `toml:"pkgset_scratch_modules,omitempty" json:"pkgset_scratch_modules,omitempty"`
	PkgsetRepos              map[string][]string `toml:"pkgset_repos,omitempty" json:"pkgset_repos,omitempty"`
	PkgsetAllowReuse         bool                `toml:"pkgset_allow_reuse" json:"pkgset_allow_reuse"`
	PopulateOnlyPackages     bool                `toml:"populate_only_packages,omitempty" json:"populate_only_packages,omitempty"`
	// An empty string stands for "unsigned copies are acceptable".
	Sigkeys               []string `toml:"sigkeys" json:"sigkeys"`
	AllowInvalidSigkeys   bool     `toml:"allow_invalid_sigkeys,omitempty" json:"allow_invalid_sigkeys,omitempty"`
	SignedPackagesRetries int      `toml:"signed_packages_retries" json:"signed_packages_retries"`
	SignedPackagesWait    int      `toml:"signed_packages_wait" json:"signed_packages_wait"`

	// gather
	GatherMethod                GatherMethodConfig  `toml:"gather_method" json:"gather_method"`
	GatherSource                StringList          `toml:"gather_source,omitempty" json:"gather_source,omitempty"`
	GatherSourceMapping         string              `toml:"gather_source_mapping,omitempty" json:"gather_source_mapping,omitempty"`
	GatherBackend               string              `toml:"gather_backend" json:"gather_backend"`
	GreedyMethod                string              `toml:"greedy_method" json:"greedy_method"`
	GatherFulltree              bool                `toml:"gather_fulltree,omitempty" json:"gather_fulltree,omitempty"`
	GatherSelfhosting           bool                `toml:"gather_selfhosting,omitempty" json:"gather_selfhosting,omitempty"`
	FulltreeExcludes            []string            `toml:"fulltree_excludes,omitempty" json:"fulltree_excludes,omitempty"`
	CheckDeps                   bool                `toml:"check_deps" json:"check_deps"`
	Multilib                    []Rule[string]      `toml:"multilib,omitempty" json:"multilib,omitempty"`
	MultilibWhitelist           map[string][]string `toml:"multilib_whitelist,omitempty" json:"multilib_whitelist,omitempty"`
	MultilibBlacklist           map[string][]string `toml:"multilib_blacklist,omitempty" json:"multilib_blacklist,omitempty"`
	AdditionalPackages          []Rule[string]      `toml:"additional_packages,omitempty" json:"additional_packages,omitempty"`
	FilterPackages              []Rule[string]      `toml:"filter_packages,omitempty" json:"filter_packages,omitempty"`
	FilterModules               []Rule[string]      `toml:"filter_modules,omitempty" json:"filter_modules,omitempty"`
	FilterSystemReleasePackages bool                `toml:"filter_system_release_packages" json:"filter_system_release_packages"`
	GatherPrepopulate           string              `toml:"gather_prepopulate,omitempty" json:"gather_prepopulate,omitempty"`
	GatherLookasideRepos        []Rule[string]      `toml:"gather_lookaside_repos,omitempty" json:"gather_lookaside_repos,omitempty"`
	VariantAsLookaside          [][]string          `toml:"variant_as_lookaside,omitempty" json:"variant_as_lookaside,omitempty"`
	GatherAllowReuse            bool                `toml:"gather_allow_reuse,omitempty" json:"gather_allow_reuse,omitempty"`
	LinkType                    string              `toml:"link_type" json:"link_type"`
	HashedDirectories           bool                `toml:"hashed_directories,omitempty" json:"hashed_directories,omitempty"`
	ExtraFiles                  []Rule[ScmSpec]     `toml:"extra_files,omitempty" json:"extra_files,omitempty"`

	// createrepo
	CreaterepoC             bool              `toml:"createrepo_c" json:"createrepo_c"`
	CreaterepoChecksum      string            `toml:"createrepo_checksum" json:"createrepo_checksum"`
	CreaterepoNumWorkers    int               `toml:"createrepo_num_workers" json:"createrepo_num_workers"`
	CreaterepoNumThreads    int               `toml:"createrepo_num_threads" json:"createrepo_num_threads"`
	CreaterepoDeltas        []Rule[bool]      `toml:"createrepo_deltas,omitempty" json:"createrepo_deltas,omitempty"`
	CreaterepoDeltasNum     int               `toml:"createrepo_deltas_num,omitempty" json:"createrepo_deltas_num,omitempty"`
	CreaterepoUseXz         bool              `toml:"createrepo_use_xz,omitempty" json:"createrepo_use_xz,omitempty"`
	CreaterepoCompressType  string            `toml:"createrepo_compress_type,omitempty" json:"createrepo_compress_type,omitempty"`
	CreaterepoEnableCache   bool              `toml:"createrepo_enable_cache" json:"createrepo_enable_cache"`
	CreaterepoExtraArgs     []string          `toml:"createrepo_extra_args,omitempty" json:"createrepo_extra_args,omitempty"`
	CreaterepoExtraModulemd map[string]string `toml:"createrepo_extra_modulemd,omitempty" json:"createrepo_extra_modulemd,omitempty"`
	ModuleDefaultsDir       string            `toml:"module_defaults_dir,omitempty" json:"module_defaults_dir,omitempty"`
	ModuleObsoletesDir      string            `toml:"module_obsoletes_dir,omitempty" json:"module_obsoletes_dir,omitempty"`
	ProductID               ScmSpec           `toml:"product_id,omitempty" json:"product_id,omitempty"`
	ProductIDAllowMissing   bool              `toml:"product_id_allow_missing,omitempty" json:"product_id_allow_missing,omitempty"`

	// buildinstall
	Bootable                  bool                 `toml:"bootable,omitempty" json:"bootable,omitempty"`
	BuildinstallMethod        string               `toml:"buildinstall_method,omitempty" json:"buildinstall_method,omitempty"`
	BuildinstallSkip          []Rule[bool]         `toml:"buildinstall_skip,omitempty" json:"buildinstall_skip,omitempty"`
	LoraxOptions              []Rule[LoraxOptions] `toml:"lorax_options,omitempty" json:"lorax_options,omitempty"`
	LoraxExtraSources         []Rule[string]       `toml:"lorax_extra_sources,omitempty" json:"lorax_extra_sources,omitempty"`
	LoraxUseKojiPlugin        bool                 `toml:"lorax_use_koji_plugin,omitempty" json:"lorax_use_koji_plugin,omitempty"`
	BuildinstallPackages      []Rule[string]       `toml:"buildinstall_packages,omitempty" json:"buildinstall_packages,omitempty"`
	BuildinstallKickstart     ScmSpec              `toml:"buildinstall_kickstart,omitempty" json:"buildinstall_kickstart,omitempty"`
	BuildinstallTopdir        string               `toml:"buildinstall_topdir,omitempty" json:"buildinstall_topdir,omitempty"`
	BuildinstallUseGuestmount bool                 `toml:"buildinstall_use_guestmount" json:"buildinstall_use_guestmount"`
	BuildinstallAllowReuse    bool                 `toml:"buildinstall_allow_reuse" json:"buildinstall_allow_reuse"`
	RunrootMethod             string               `toml:"runroot_method,omitempty" json:"runroot_method,omitempty"`
	RunrootTag                string               `toml:"runroot_tag,omitempty" json:"runroot_tag,omitempty"`
	RunrootChannel            string               `toml:"runroot_channel,omitempty" json:"runroot_channel,omitempty"`
	RunrootWeights            map[string]int       `toml:"runroot_weights,omitempty" json:"runroot_weights,omitempty"`
	TranslatePaths            [][]string           `toml:"translate_paths,omitempty" json:"translate_paths,omitempty"`

	// iso
	IsoSize                  common.Size       `toml:"iso_size" json:"iso_size"`
	SplitIsoReserve          common.Size       `toml:"split_iso_reserve" json:"split_iso_reserve"`
	IsoLevel                 []Rule[int]       `toml:"iso_level,omitempty" json:"iso_level,omitempty"`
	IsoHfsPpc64leCompatible  bool              `toml:"iso_hfs_ppc64le_compatible" json:"iso_hfs_ppc64le_compatible"`
	CreateJigdo              bool              `toml:"create_jigdo,omitempty" json:"create_jigdo,omitempty"`
	CreateisoBreakHardlinks  bool              `toml:"createiso_break_hardlinks,omitempty" json:"createiso_break_hardlinks,omitempty"`
	CreateisoUseXorrisofs    bool              `toml:"createiso_use_xorrisofs,omitempty" json:"createiso_use_xorrisofs,omitempty"`
	CreateisoAllowReuse      bool              `toml:"createiso_allow_reuse" json:"createiso_allow_reuse"`
	CreateisoSkip            []Rule[bool]      `toml:"createiso_skip,omitempty" json:"createiso_skip,omitempty"`
	DiscTypes                map[string]string `toml:"disc_types,omitempty" json:"disc_types,omitempty"`
	ImageNameFormat          string            `toml:"image_name_format,omitempty" json:"image_name_format,omitempty"`
	ImageVolIDFormats        []string          `toml:"image_volid_formats" json:"image_volid_formats"`
	ImageVolIDLayeredFormats []string          `toml:"image_volid_layered_product_formats" json:"image_volid_layered_product_formats"`
	VolumeIDSubstitutions    map[string]string `toml:"volume_id_substitutions,omitempty" json:"volume_id_substitutions,omitempty"`
	RestrictedVolID          bool              `toml:"restricted_volid,omitempty" json:"restricted_volid,omitempty"`
	SymlinkIsosTo            string            `toml:"symlink_isos_to,omitempty" json:"symlink_isos_to,omitempty"`

	// extra iso
	ExtraIsos          []ExtraIso `toml:"extra_isos,omitempty" json:"extra_isos,omitempty"`
	ExtraisoAllowReuse bool       `toml:"extraiso_allow_reuse" json:"extraiso_allow_reuse"`

	// misc
	FailableDeliverables []Rule[string] `toml:"failable_deliverables,omitempty" json:"failable_deliverables,omitempty"`
	MediaChecksums       []string       `toml:"media_checksums" json:"media_checksums"`
	MediaChecksumOneFile bool           `toml:"media_checksum_one_file,omitempty" json:"media_checksum_one_file,omitempty"`
	MaxWorkers           int            `toml:"max_workers,omitempty" json:"max_workers,omitempty"`
	SentryDSN            string         `toml:"sentry_dsn,omitempty" json:"sentry_dsn,omitempty"`
}

const (
	DefaultIsoSize         = 4700000000
	DefaultSplitIsoReserve = 10 * 1024 * 1024
)

// Default returns a configuration with every default applied. Decoding a
// file on top of it overrides only the keys present in the file.
func Default() *Config {
	return &Config{
		ReleaseType:                 "ga",
		ComposeType:                 "production",
		KojiProfile:                 "koji",
		KojiTopdir:                  "/mnt/koji",
		KojiMaxRetries:              3,
		PkgsetSource:                "koji",
		PkgsetKojiInherit:           true,
		PkgsetKojiInheritModules:    false,
		PkgsetAllowReuse:            true,
		SignedPackagesRetries:       0,
		SignedPackagesWait:          30,
		GatherMethod:                GatherMethodConfig{Global: "deps"},
		GatherBackend:               "dnf",
		GreedyMethod:                "none",
		CheckDeps:                   true,
		FilterSystemReleasePackages: true,
		LinkType:                    "hardlink-or-copy",
		CreaterepoC:                 true,
		CreaterepoChecksum:          "sha256",
		CreaterepoNumWorkers:        3,
		CreaterepoNumThreads:        0,
		CreaterepoEnableCache:       true,
		BuildinstallUseGuestmount:   true,
		BuildinstallAllowReuse:      true,
		IsoSize:                     DefaultIsoSize,
		SplitIsoReserve:             DefaultSplitIsoReserve,
		IsoHfsPpc64leCompatible:     true,
		CreateisoAllowReuse:         true,
		ExtraisoAllowReuse:          true,
		DiscTypes:                   map[string]string{},
		ImageVolIDFormats: []string{
			"{release_short}-{version} {variant}.{arch}",
			"{release_short}-{version} {arch}",
		},
		ImageVolIDLayeredFormats: []string{
			"{release_short}-{version} {base_product_short}-{base_product_version} {variant}.{arch}",
			"{release_short}-{version} {base_product_short}-{base_product_version} {arch}",
		},
		VolumeIDSubstitutions: map[string]string{},
		MediaChecksums:        []string{"sha256"},
	}
}

// keys decoded by custom unmarshalers; nested keys below them are reported
// as undecoded by the toml package even though they were consumed
var looseKeys = map[string]bool{
	"gather_method":          true,
	"product_id":             true,
	"buildinstall_kickstart": true,
	"extra_files":            true,
}

// Load decodes the TOML file at path on top of the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a configuration from r. Unknown keys are an error.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return nil, fmt.Errorf("cannot parse configuration: %w", err)
	}

	var errs *multierror.Error
	for _, key := range md.Undecoded() {
		if len(key) > 1 && looseKeys[key[0]] {
			continue
		}
		errs = multierror.Append(errs, fmt.Errorf("unknown configuration key %q", key.String()))
	}
	if errs != nil {
		errs.ErrorFormat = listFormatFunc
		return nil, errs
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dump writes the effective configuration as TOML.
func Dump(c *Config, w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

func listFormatFunc(es []error) string {
	lines := make([]string, 0, len(es))
	for _, e := range es {
		lines = append(lines, "  * "+e.Error())
	}
	sort.Strings(lines)
	return fmt.Sprintf("%d configuration error(s):\n%s", len(es), strings.Join(lines, "\n"))
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DiscType maps a generic disc type (dvd, boot, ...) to the configured name.
func (c *Config) DiscType(kind string) string {
	if v, ok := c.DiscTypes[kind]; ok && v != "" {
		return v
	}
	return kind
}

// IsLayered reports whether the release is a layered product.
func (c *Config) IsLayered() bool {
	return c.BaseProductName != ""
}

// AllowsUnsigned reports whether sigkeys contains the unsigned sentinel.
func (c *Config) AllowsUnsigned() bool {
	return common.StringInSlice(c.Sigkeys, "")
}
