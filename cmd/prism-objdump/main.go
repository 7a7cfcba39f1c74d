// prism-objdump inspects compiler-embedded offload bundles.
//
// Subcommands:
//
//	ls <image>                         list embedded containers and entries
//	extract <image> -triple T -o FILE  write one code object to a file
//	scan <dir>...                      index images into the catalog
//	which -isa ISA                     list catalog entries for an ISA
//	stats                              print catalog statistics
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/prism-hpc/prism/internal/types"
	"github.com/prism-hpc/prism/pkg/bundle"
	"github.com/prism-hpc/prism/pkg/catalog"
	"github.com/prism-hpc/prism/pkg/isa"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ls":
		err = cmdLs(os.Args[2:])
	case "extract":
		err = cmdExtract(os.Args[2:])
	case "scan":
		err = cmdScan(os.Args[2:])
	case "which":
		err = cmdWhich(os.Args[2:])
	case "stats":
		err = cmdStats(os.Args[2:])
	case "version":
		fmt.Printf("prism-objdump %s (%s)\n", Version, GitCommit)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "prism-objdump: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: prism-objdump <ls|extract|scan|which|stats|version> [args]")
}

// cmdLs lists the containers embedded in one image.
func cmdLs(args []string) error {
	fset := flag.NewFlagSet("ls", flag.ExitOnError)
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 {
		return fmt.Errorf("ls wants exactly one image path")
	}

	var e bundle.Extractor
	containers, err := e.ExtractFile(fset.Arg(0))
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		fmt.Println("no bundled containers")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER\tENTRY\tISA\tOBJECT\tSIZE\tCOMPRESSED")
	for ci, c := range containers {
		for _, entry := range c.Entries {
			target := isa.Resolve(entry.ID)
			isaName := "-"
			if !target.IsNone() {
				isaName = string(target)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%v\n",
				ci, entry.ID, isaName,
				types.HashObject(entry.Object).Short(),
				len(entry.Object), c.Compressed)
		}
	}
	return w.Flush()
}

// cmdExtract writes one code object to a file.
func cmdExtract(args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	triple := fset.String("triple", "", "Entry ID (target triple) to extract")
	out := fset.String("o", "", "Output file path")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 || *triple == "" || *out == "" {
		return fmt.Errorf("extract wants an image path, -triple, and -o")
	}

	var e bundle.Extractor
	containers, err := e.ExtractFile(fset.Arg(0))
	if err != nil {
		return err
	}

	for _, c := range containers {
		for _, entry := range c.Entries {
			if entry.ID != *triple {
				continue
			}
			if err := os.WriteFile(*out, entry.Object, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", *out, err)
			}
			fmt.Printf("wrote %d bytes to %s\n", len(entry.Object), *out)
			return nil
		}
	}
	return fmt.Errorf("no entry %q in %s", *triple, fset.Arg(0))
}

// cmdScan indexes every ELF image under the given directories.
func cmdScan(args []string) error {
	fset := flag.NewFlagSet("scan", flag.ExitOnError)
	catalogPath := fset.String("catalog", "prism-catalog.db", "Catalog database path")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() == 0 {
		return fmt.Errorf("scan wants at least one directory")
	}

	cat, err := catalog.Open(catalog.Config{Path: *catalogPath})
	if err != nil {
		return err
	}
	defer cat.Close()

	scanned, indexed := 0, 0
	for _, dir := range fset.Args() {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return nil
			}
			scanned++

			rec, ok := scanImage(path)
			if !ok {
				return nil
			}
			if err := cat.PutImage(rec); err != nil {
				return fmt.Errorf("index %s: %w", path, err)
			}
			indexed++
			return nil
		})
		if err != nil {
			return err
		}
	}

	fmt.Printf("scanned %d files, indexed %d images with bundles\n", scanned, indexed)
	return nil
}

// scanImage builds a catalog record for one image; ok is false when the
// image is not ELF or embeds no bundles.
func scanImage(path string) (catalog.Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return catalog.Record{}, false
	}

	var e bundle.Extractor
	containers, err := e.Extract(data)
	if err != nil || len(containers) == 0 {
		return catalog.Record{}, false
	}

	info, err := os.Stat(path)
	if err != nil {
		return catalog.Record{}, false
	}

	rec := catalog.Record{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
		Digest:  types.HashObject(data),
	}
	for _, c := range containers {
		for _, entry := range c.Entries {
			rec.Entries = append(rec.Entries, catalog.EntryRecord{
				ID:         entry.ID,
				ISA:        isa.Resolve(entry.ID),
				ObjectID:   types.HashObject(entry.Object),
				Size:       uint64(len(entry.Object)),
				Compressed: c.Compressed,
			})
		}
	}
	return rec, true
}

// cmdWhich lists catalog entries targeting one ISA.
func cmdWhich(args []string) error {
	fset := flag.NewFlagSet("which", flag.ExitOnError)
	catalogPath := fset.String("catalog", "prism-catalog.db", "Catalog database path")
	target := fset.String("isa", "", "ISA to look up")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *target == "" {
		return fmt.Errorf("which wants -isa")
	}

	cat, err := catalog.Open(catalog.Config{Path: *catalogPath, ReadOnly: true})
	if err != nil {
		return err
	}
	defer cat.Close()

	refs, err := cat.ByISA(isa.ISA(*target))
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Printf("no code objects for %s\n", *target)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tENTRY\tOBJECT\tSIZE")
	for _, ref := range refs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			ref.ImagePath, ref.Entry.ID, ref.Entry.ObjectID.Short(), ref.Entry.Size)
	}
	return w.Flush()
}

// cmdStats prints catalog statistics.
func cmdStats(args []string) error {
	fset := flag.NewFlagSet("stats", flag.ExitOnError)
	catalogPath := fset.String("catalog", "prism-catalog.db", "Catalog database path")
	if err := fset.Parse(args); err != nil {
		return err
	}

	cat, err := catalog.Open(catalog.Config{Path: *catalogPath, ReadOnly: true})
	if err != nil {
		return err
	}
	defer cat.Close()

	stats, err := cat.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("images:  %d\n", stats.Images)
	fmt.Printf("objects: %d\n", stats.Objects)
	for target, n := range stats.ByISA {
		fmt.Printf("  %s: %d\n", target, n)
	}
	return nil
}
