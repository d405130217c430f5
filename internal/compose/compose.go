// Package compose holds the state shared by every phase of a run: the
// configuration, identity, paths, variant registry and image manifest.
package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/metadata"
	"github.com/osbuild/pungi/internal/paths"
	"github.com/osbuild/pungi/internal/prometheus"
)

type Compose struct {
	Conf     *config.Config
	Identity Identity
	Topdir   string
	Paths    *paths.Paths
	Log      logrus.FieldLogger
	Images   *metadata.ImageManifest
	RunID    string
	// Supported composes get implanted md5 with --supported-iso.
	Supported bool
	// Directories searched for previous composes.
	OldComposes []string

	variants     map[string]*Variant
	variantOrder []string
	oldCompose   string

	mu     sync.Mutex
	failed []FailedDeliverable
}

// Options customize a compose. Zero values take the configured defaults.
type Options struct {
	Type        string
	Label       string
	Date        time.Time
	Respin      int
	OldComposes []string
	Supported   bool
	Log         logrus.FieldLogger
}

// FailedDeliverable records a failable deliverable that did not make it.
type FailedDeliverable struct {
	Variant     string `json:"variant"`
	Arch        string `json:"arch"`
	Deliverable string `json:"deliverable"`
	Subvariant  string `json:"subvariant,omitempty"`
	Error       string `json:"error"`
}

func identityFromConfig(conf *config.Config, opts Options) Identity {
	composeType := opts.Type
	if composeType == "" {
		composeType = conf.ComposeType
	}
	label := opts.Label
	if label == "" {
		label = conf.ComposeLabel
	}
	date := opts.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	id := Identity{
		Short:       conf.ReleaseShort,
		Version:     conf.ReleaseVersion,
		ReleaseType: conf.ReleaseType,
		Type:        composeType,
		Date:        date.Format("20060102"),
		Respin:      opts.Respin,
		Label:       label,
	}
	if conf.IsLayered() {
		id.BaseProductShort = conf.BaseProductShort
		id.BaseProductVersion = conf.BaseProductVersion
	}
	return id
}

// New returns a compose rooted at topdir without touching the filesystem
// other than looking for old composes.
func New(conf *config.Config, topdir string, id Identity, opts Options) (*Compose, error) {
	variants, order, err := buildVariants(conf.Variants, conf.TreeArches, conf.TreeVariants)
	if err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Compose{
		Conf:         conf,
		Identity:     id,
		Topdir:       topdir,
		Log:          log,
		Images:       metadata.NewImageManifest(),
		RunID:        ksuid.New().String(),
		Supported:    opts.Supported,
		OldComposes:  opts.OldComposes,
		variants:     variants,
		variantOrder: order,
	}
	c.oldCompose = FindOldCompose(opts.OldComposes, id, nil)
	c.Paths = paths.New(topdir, id.ComposeID()).
		WithSymlinkIsosTo(conf.SymlinkIsosTo).
		WithBuildinstallTopdir(conf.BuildinstallTopdir)
	if c.oldCompose != "" {
		c.Paths.WithOldComposes(c.oldCompose)
	}
	return c, nil
}

// Create allocates a new compose directory in targetDir. The respin is
// bumped until the directory can be created exclusively.
func Create(conf *config.Config, targetDir string, opts Options) (*Compose, error) {
	id := identityFromConfig(conf, opts)
	if err := VerifyLabel(id.Label); err != nil {
		return nil, err
	}
	if opts.Respin == 0 {
		id.Respin = NextRespin(targetDir, id)
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return nil, err
	}
	var topdir string
	for {
		topdir = filepath.Join(targetDir, id.ComposeID())
		err := os.Mkdir(topdir, 0755)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		id.Respin++
	}

	c, err := New(conf, topdir, id, opts)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(c.Paths.ComposeIDFile(), []byte(c.ComposeID()), 0644); err != nil {
		return nil, err
	}
	for _, dir := range []string{c.Paths.LogTopdir("global"), c.Paths.Global()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	if _, err := c.WriteStatus(common.StatusStarted); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Compose) ComposeID() string {
	return c.Identity.ComposeID()
}

// OldCompose is the top directory of the previous compose used for reuse,
// or an empty string.
func (c *Compose) OldCompose() string {
	return c.oldCompose
}

// PhaseLog returns a logger tagged with the phase name.
func (c *Compose) PhaseLog(phase string) logrus.FieldLogger {
	return c.Log.WithField("phase", phase)
}

// WriteStatus writes STATUS. FINISHED is downgraded to FINISHED_INCOMPLETE
// when a failable deliverable failed. The written status is returned.
func (c *Compose) WriteStatus(status common.ComposeStatus) (common.ComposeStatus, error) {
	failed := c.FailedDeliverables()
	if status == common.StatusFinished && len(failed) > 0 {
		status = common.StatusFinishedIncomplete
	}
	for _, f := range failed {
		c.Log.WithFields(logrus.Fields{
			"variant": f.Variant,
			"arch":    f.Arch,
		}).Warnf("Failed %s on variant <%s>, arch <%s>, subvariant <%s>.", f.Deliverable, f.Variant, f.Arch, f.Subvariant)
	}
	c.Log.Infof("Compose status: %s", status)
	prometheus.ComposeStatus.WithLabelValues(status.String()).Set(1)
	tmp := c.Paths.StatusFile() + ".tmp"
	if err := os.WriteFile(tmp, []byte(status.String()+"\n"), 0644); err != nil {
		return status, err
	}
	return status, os.Rename(tmp, c.Paths.StatusFile())
}

// CanFail reports whether the deliverable may fail for the variant and
// arch.
func (c *Compose) CanFail(v *Variant, arch, deliverable string) bool {
	uid := ""
	if v != nil {
		uid = v.UID
	}
	return c.Conf.CanFail(uid, arch, deliverable)
}

// FailDeliverable records a failed failable deliverable.
func (c *Compose) FailDeliverable(v *Variant, arch, deliverable, subvariant string, err error) {
	f := FailedDeliverable{Arch: arch, Deliverable: deliverable, Subvariant: subvariant}
	if v != nil {
		f.Variant = v.UID
	}
	if err != nil {
		f.Error = err.Error()
	}
	prometheus.FailedDeliverables.WithLabelValues(deliverable).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, f)
}

func (c *Compose) FailedDeliverables() []FailedDeliverable {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FailedDeliverable(nil), c.failed...)
}

// Failable runs fn. An error of a deliverable that is allowed to fail is
// logged and recorded instead of returned.
func (c *Compose) Failable(v *Variant, arch, deliverable, subvariant string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !c.CanFail(v, arch, deliverable) {
		return err
	}
	uid := ""
	if v != nil {
		uid = v.UID
	}
	c.Log.WithFields(logrus.Fields{
		"variant":     uid,
		"arch":        arch,
		"deliverable": deliverable,
	}).Warnf("[FAIL] %s (variant %s, arch %s, subvariant %s) failed, but going on anyway: %v", deliverable, uid, arch, subvariant, err)
	c.FailDeliverable(v, arch, deliverable, subvariant, err)
	return nil
}

// SetupKrb5CCName points KRB5CCNAME at a private credential cache directory
// so concurrent composes using a keytab do not share one cache.
func (c *Compose) SetupKrb5CCName() (string, error) {
	if c.Conf.KojiKeytab == "" {
		return "", nil
	}
	dir := filepath.Join(os.TempDir(), "krb5ccache-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	value := "DIR:" + dir
	if err := os.Setenv("KRB5CCNAME", value); err != nil {
		return "", err
	}
	return value, nil
}

// UpdateLatestSymlink points latest-{short}-{version} in the parent
// directory at this compose.
func (c *Compose) UpdateLatestSymlink() error {
	name := fmt.Sprintf("latest-%s-%s", c.Identity.Short, c.Identity.Version)
	link := filepath.Join(filepath.Dir(c.Topdir), name)
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Base(c.Topdir), tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}

// TranslatePath rewrites a local path prefix using translate_paths.
func (c *Compose) TranslatePath(path string) string {
	for _, pair := range c.Conf.TranslatePaths {
		if len(pair) != 2 {
			continue
		}
		prefix := strings.TrimSuffix(pair[0], "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return strings.TrimSuffix(pair[1], "/") + path[len(prefix):]
		}
	}
	return path
}

// MetadataHeader identifies the compose in metadata files.
func (c *Compose) MetadataHeader() metadata.ComposeHeader {
	return metadata.ComposeHeader{
		ID:     c.ComposeID(),
		Date:   c.Identity.Date,
		Type:   c.Identity.Type,
		Respin: c.Identity.Respin,
		Label:  c.Identity.Label,
	}
}

// DiscType is the configured name for a generic disc type.
func (c *Compose) DiscType(kind string) string {
	return c.Conf.DiscType(kind)
}

// Description is the product name written into .discinfo and media.repo.
// release_discinfo_description overrides it.
func (c *Compose) Description(v *Variant, arch string) (string, error) {
	conf := c.Conf
	if conf.ReleaseDiscinfoDesc != "" {
		return Format(conf.ReleaseDiscinfoDesc, c.FormatSubsts(map[string]string{
			"variant_name": v.Name,
			"variant_type": v.Type,
			"variant":      v.UID,
			"arch":         arch,
		}))
	}
	var desc string
	if v.Type == VariantTypeLayeredProduct {
		desc = fmt.Sprintf("%s %s for %s %s", v.ReleaseName, v.ReleaseVersion, conf.ReleaseName, MajorVersion(conf.ReleaseVersion))
	} else {
		desc = fmt.Sprintf("%s %s", conf.ReleaseName, conf.ReleaseVersion)
		if conf.IsLayered() {
			desc += fmt.Sprintf(" for %s %s", conf.BaseProductName, conf.BaseProductVersion)
		}
	}
	if v.Name != "" {
		desc += " " + v.Name
	}
	return strings.TrimSpace(desc), nil
}
