package createiso

import (
	"os"
	"path/filepath"

	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/metadata"
	"github.com/osbuild/pungi/internal/wrappers"
)

// ImageRequest describes a written ISO to record in the image manifest.
type ImageRequest struct {
	Variant            *compose.Variant
	Arch               string
	Path               string
	Bootable           bool
	DiscNum            int
	DiscCount          int
	AdditionalVariants []string
	Deliverable        string
	// CanFail marks the image failable on top of failable_deliverables.
	CanFail bool
}

// Register reads the volume id and implanted checksum back from the image
// and adds it to the manifest. Source images are listed under every
// binary arch of the variant.
func Register(c *compose.Compose, req ImageRequest) (metadata.Image, error) {
	info, err := os.Stat(req.Path)
	if err != nil {
		return metadata.Image{}, err
	}
	volid, err := wrappers.GetVolumeID(req.Path)
	if err != nil {
		return metadata.Image{}, err
	}
	md5, err := wrappers.GetImplantedMD5(req.Path)
	if err != nil {
		return metadata.Image{}, err
	}
	rel, err := filepath.Rel(c.Paths.ComposeTopdir(), req.Path)
	if err != nil {
		return metadata.Image{}, err
	}
	img := metadata.Image{
		Path:               rel,
		Arch:               req.Arch,
		Type:               "dvd",
		Format:             "iso",
		DiscNumber:         req.DiscNum,
		DiscCount:          req.DiscCount,
		Size:               info.Size(),
		Mtime:              info.ModTime().Unix(),
		Bootable:           req.Bootable,
		ImplantMD5:         md5,
		VolumeID:           volid,
		Subvariant:         req.Variant.UID,
		AdditionalVariants: req.AdditionalVariants,
		CanFail:            req.CanFail || c.CanFail(req.Variant, req.Arch, req.Deliverable),
		Deliverable:        req.Deliverable,
	}
	arches := []string{req.Arch}
	if req.Arch == "src" {
		arches = req.Variant.Arches
	}
	for _, arch := range arches {
		if err := c.Images.Add(req.Variant.UID, arch, img); err != nil {
			return img, err
		}
	}
	return img, nil
}
