package metadata

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

func newHash(algo string) (hash.Hash, error) {
	switch algo {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum type %q", algo)
}

// MultiChecksum reads path once and returns the hex digest for every
// algorithm.
func MultiChecksum(path string, algos []string) (map[string]string, error) {
	hashes := make([]hash.Hash, len(algos))
	writers := make([]io.Writer, len(algos))
	for i, a := range algos {
		h, err := newHash(a)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
		writers[i] = h
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(algos))
	for i, a := range algos {
		out[a] = fmt.Sprintf("%x", hashes[i].Sum(nil))
	}
	return out, nil
}

// WriteChecksumFiles writes BSD style checksum lines for the images of
// one directory: a single CHECKSUM file, or one {ALGO}SUM file per
// algorithm. images maps file names to their checksums by algorithm.
func WriteChecksumFiles(dir string, images map[string]map[string]string, algos []string, oneFile bool) error {
	names := make([]string, 0, len(images))
	for n := range images {
		names = append(names, n)
	}
	sort.Strings(names)
	files := map[string]*strings.Builder{}
	var order []string
	for _, algo := range algos {
		target := "CHECKSUM"
		if !oneFile {
			target = strings.ToUpper(algo) + "SUM"
		}
		b, ok := files[target]
		if !ok {
			b = &strings.Builder{}
			files[target] = b
			order = append(order, target)
		}
		for _, n := range names {
			sum, ok := images[n][algo]
			if !ok {
				continue
			}
			fmt.Fprintf(b, "%s (%s) = %s\n", strings.ToUpper(algo), n, sum)
		}
	}
	for _, target := range order {
		if err := os.WriteFile(filepath.Join(dir, target), []byte(files[target].String()), 0644); err != nil {
			return err
		}
	}
	return nil
}
