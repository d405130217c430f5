package phases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/linker"
	"github.com/osbuild/pungi/internal/metadata"
	"github.com/osbuild/pungi/internal/threadpool"
)

func (p *Pipeline) skipExtraFiles() bool {
	return len(p.Compose.Conf.ExtraFiles) == 0
}

// extraFiles exports the configured extra files of every tree into the
// work directory and copies them into the tree. The work copy is what the
// ISO splitter keeps on the first disc.
func (p *Pipeline) extraFiles(ctx context.Context) error {
	c := p.Compose
	conf := c.Conf
	log := c.PhaseLog("extra_files")
	pool := threadpool.New("extra_files", threadpool.DefaultWorkers(conf.MaxWorkers), log,
		func(ctx context.Context, t tree, num int) error {
			specs := config.GetArchVariantData(conf.ExtraFiles, t.Arch, t.Variant.UID)
			if len(specs) == 0 {
				return nil
			}
			msg := fmt.Sprintf("Copying extra files for variant %s, arch %s", t.Variant.UID, t.Arch)
			log.Infof("[BEGIN] %s", msg)
			dir := c.Paths.ExtraFilesDir(t.Arch, t.Variant.UID)
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			var files []string
			for _, spec := range specs {
				exported, err := p.Exporter.Export(ctx, spec, dir)
				if err != nil {
					return fmt.Errorf("extra files for %s: %w", t, err)
				}
				files = append(files, exported...)
			}
			root := c.Paths.OSTree(t.Arch, t.Variant.UID)
			if err := linker.CopyAll(dir, root); err != nil {
				return err
			}
			for _, f := range common.UniqueStrings(files) {
				if err := p.ExtraFiles.Add(t.Variant.UID, t.Arch, root, f, conf.MediaChecksums); err != nil {
					return err
				}
			}
			log.Infof("[DONE ] %s", msg)
			return nil
		})
	for _, t := range p.trees(true) {
		pool.QueuePut(t)
	}
	if err := pool.Run(ctx); err != nil {
		return err
	}
	return p.ExtraFiles.Write(metadataFile(c, "extra_files.json"), c.MetadataHeader())
}

// imageChecksums computes the media checksums of every registered image
// and writes the checksum files next to the images.
func (p *Pipeline) imageChecksums(ctx context.Context) error {
	c := p.Compose
	conf := c.Conf
	log := c.PhaseLog("image_checksum")
	algos := conf.MediaChecksums

	var mu sync.Mutex
	// iso directory -> file name -> algorithm -> digest
	byDir := map[string]map[string]map[string]string{}
	pool := threadpool.New("image_checksum", threadpool.DefaultWorkers(conf.MaxWorkers), log,
		func(ctx context.Context, vi metadata.VariantImage, num int) error {
			img := vi.Image
			path := filepath.Join(c.Paths.ComposeTopdir(), img.Path)
			sums, err := metadata.MultiChecksum(path, algos)
			if err != nil {
				return fmt.Errorf("cannot checksum %s: %w", img.Path, err)
			}
			img.Checksums = sums
			c.Images.Update(vi.Variant, vi.Arch, img)

			mu.Lock()
			defer mu.Unlock()
			dir := filepath.Dir(path)
			if byDir[dir] == nil {
				byDir[dir] = map[string]map[string]string{}
			}
			byDir[dir][filepath.Base(path)] = sums
			return nil
		})
	images := c.Images.All()
	if len(images) == 0 {
		log.Info("No images to checksum")
		return nil
	}
	for _, vi := range images {
		pool.QueuePut(vi)
	}
	if err := pool.Run(ctx); err != nil {
		return err
	}
	for dir, images := range byDir {
		if err := metadata.WriteChecksumFiles(dir, images, algos, conf.MediaChecksumOneFile); err != nil {
			return err
		}
	}
	return nil
}
