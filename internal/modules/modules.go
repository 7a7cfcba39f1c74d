// Package modules enumerates the images mapped into the running process:
// the main executable plus every shared object the dynamic loader has
// brought in. Bundle extraction and host symbol scanning both walk this
// list, since device code linked into a shared library carries its own
// embedded bundles and its own host-side globals.
package modules

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// SelfExePath is the well-known self-referential path to the main image.
const SelfExePath = "/proc/self/exe"

// Image describes one file-backed mapping group in the process.
type Image struct {
	// Path is the filesystem path of the mapped file.
	Path string

	// Base is the lowest virtual address the file is mapped at. For the
	// main image of a position-dependent executable this is its link-time
	// address; symbol scanning applies Base as the load bias only for
	// non-main images.
	Base uint64

	// Main marks the process's own executable image.
	Main bool
}

// Loaded returns the images currently mapped into this process, main image
// first, remaining shared objects in load (address-map) order. Pseudo-files
// such as [vdso], anonymous mappings, and deleted files are skipped.
func Loaded() ([]Image, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("open maps: %w", err)
	}
	defer f.Close()

	exe, err := os.Readlink(SelfExePath)
	if err != nil {
		exe = ""
	}

	return parseMaps(f, exe)
}

// parseMaps reads a /proc/<pid>/maps listing and groups file-backed
// mappings into one Image per distinct path, keeping the lowest base
// address seen for each.
func parseMaps(r io.Reader, exePath string) ([]Image, error) {
	var (
		images []Image
		seen   = make(map[string]int)
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// Format: start-end perms offset dev inode path
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}

		path := strings.Join(fields[5:], " ")
		if !strings.HasPrefix(path, "/") {
			// [vdso], [stack], [heap], anonymous
			continue
		}
		if strings.HasSuffix(path, " (deleted)") {
			continue
		}

		startStr, _, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		start, err := strconv.ParseUint(startStr, 16, 64)
		if err != nil {
			continue
		}

		if idx, ok := seen[path]; ok {
			if start < images[idx].Base {
				images[idx].Base = start
			}
			continue
		}

		seen[path] = len(images)
		images = append(images, Image{
			Path: path,
			Base: start,
			Main: path == exePath,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan maps: %w", err)
	}

	// Main image first; everything else keeps map order.
	for i, img := range images {
		if img.Main && i != 0 {
			copy(images[1:i+1], images[:i])
			images[0] = img
			break
		}
	}

	return images, nil
}
