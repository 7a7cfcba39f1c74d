package bundle

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"

	"github.com/prism-hpc/prism/internal/modules"
	"github.com/prism-hpc/prism/internal/types"
)

// Cache stores extraction results keyed by image content digest. Cache
// failures are invisible to extraction: a corrupt or missing value is a
// miss, and a failed store is dropped.
type Cache interface {
	// Get returns the cached containers for an image digest, if present.
	Get(image types.ObjectID) ([]*Container, bool)

	// Put stores the containers extracted from an image.
	Put(image types.ObjectID, containers []*Container)
}

// Extractor locates bundled containers inside ELF images. The zero value
// is ready to use; Cache is optional.
type Extractor struct {
	// Cache, when set, is consulted by image digest before parsing.
	Cache Cache
}

// ExtractFile reads one image and returns the containers embedded in its
// reserved section. An image without the section yields no containers
// and no error. An unreadable or non-ELF image yields an error; process
// scans treat that as "contributes nothing".
func (e *Extractor) ExtractFile(path string) ([]*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	containers, err := e.Extract(data)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", path, err)
	}
	return containers, nil
}

// Extract returns the containers embedded in an in-memory ELF image.
func (e *Extractor) Extract(data []byte) ([]*Container, error) {
	var digest types.ObjectID
	if e.Cache != nil {
		digest = types.HashObject(data)
		if containers, ok := e.Cache.Get(digest); ok {
			return containers, nil
		}
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse image: %w", err)
	}
	defer f.Close()

	sec := f.Section(SectionName)
	if sec == nil {
		if e.Cache != nil {
			e.Cache.Put(digest, nil)
		}
		return nil, nil
	}

	raw, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("read section %s: %w", SectionName, err)
	}

	containers := Containers(raw)
	if e.Cache != nil {
		e.Cache.Put(digest, containers)
	}
	return containers, nil
}

// ScanImages extracts containers from every given image path in order.
// Images that cannot be read or parsed contribute nothing and do not
// abort the scan.
func (e *Extractor) ScanImages(paths []string) []*Container {
	var out []*Container
	for _, path := range paths {
		containers, err := e.ExtractFile(path)
		if err != nil {
			continue
		}
		out = append(out, containers...)
	}
	return out
}

// ScanProcess extracts containers from the running process: the main
// image first, through its self-referential path, then every loaded
// shared object in load order. Device code compiled into a shared
// library embeds its own containers, so both scopes run through the same
// extractor.
func (e *Extractor) ScanProcess() ([]*Container, error) {
	images, err := modules.Loaded()
	if err != nil {
		return nil, fmt.Errorf("enumerate images: %w", err)
	}

	paths := make([]string, 0, len(images))
	for _, img := range images {
		if img.Main {
			paths = append(paths, modules.SelfExePath)
			continue
		}
		paths = append(paths, img.Path)
	}
	return e.ScanImages(paths), nil
}

// ScanProcess runs a cacheless process scan.
func ScanProcess() ([]*Container, error) {
	var e Extractor
	return e.ScanProcess()
}
