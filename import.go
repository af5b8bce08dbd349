// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"bufio"
	"compress/gzip"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// importer reads per-cell methylation call files (TSV: chromosome,
// position, binary state; one file per cell) and writes a profile library.
type importer struct {
	outputFile string
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	infiles, err := listCallFiles(flags.Args())
	if err != nil {
		return 1
	}

	cells := make([]*cellProfile, len(infiles))
	var mtx sync.Mutex
	seen := map[string]string{}
	loaders := throttle{Max: runtime.NumCPU()}
	for i, infile := range infiles {
		i, infile := i, infile
		loaders.Go(func() error {
			name := cellNameFromPath(infile)
			mtx.Lock()
			if prev, dup := seen[name]; dup {
				mtx.Unlock()
				return fmt.Errorf("duplicate cell name %q (%s and %s)", name, prev, infile)
			}
			seen[name] = infile
			mtx.Unlock()
			log.Printf("%s starting", infile)
			defer log.Printf("%s done", infile)
			p, err := loadCallFile(name, infile)
			if err != nil {
				return err
			}
			cells[i] = p
			return nil
		})
	}
	err = loaders.Wait()
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if cmd.outputFile == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(cmd.outputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = writeProfileLibrary(bufw, cells)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

var callFilenameRe = regexp.MustCompile(`\.(tsv|txt|cov)(\.gz)?$`)

func listCallFiles(paths []string) (files []string, err error) {
	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%s: stat failed: %w", path, err)
		}
		if !fi.IsDir() {
			files = append(files, path)
			continue
		}
		d, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%s: open failed: %w", path, err)
		}
		names, err := d.Readdirnames(0)
		d.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: readdir failed: %w", path, err)
		}
		sort.Strings(names)
		for _, name := range names {
			if callFilenameRe.MatchString(name) {
				files = append(files, filepath.Join(path, name))
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no call files found")
	}
	return files, nil
}

// loadCallFile parses one cell's calls. Each line is
// "chrom<TAB>pos<TAB>state" with pos a non-negative integer and state 0 or
// 1. Lines starting with '#' are skipped. Malformed records are rejected,
// never coerced.
func loadCallFile(cellName, path string) (*cellProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rdr io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: gzip: %w", path, err)
		}
		defer gz.Close()
		rdr = gz
	}
	p := newCellProfile(cellName)
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(nil, 1<<20)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s line %d: expected 3 tab-separated fields, got %d", path, lineno, len(fields))
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad position %q", path, lineno, fields[1])
		}
		state, err := strconv.ParseUint(fields[2], 10, 8)
		if err != nil || state > 1 {
			return nil, fmt.Errorf("%s line %d: bad state %q (want 0 or 1)", path, lineno, fields[2])
		}
		if err := p.add(fields[0], pos, uint8(state)); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, lineno, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if p.numCalls() == 0 {
		// A cell with no observed sites anywhere is legitimate: it still
		// gets an output column, imputed from sequence alone.
		log.Warnf("%s: no calls", path)
	}
	return p, nil
}
