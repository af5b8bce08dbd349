// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// ProfileRecord is one (cell, chromosome) block of calls in a profile
// library stream.
type ProfileRecord struct {
	Cell      string
	Chrom     string
	Positions []int32
	States    []uint8
}

// LibraryEntry is the unit of gob encoding in a profile library. A stream
// is any number of entries carrying records, terminated by one entry whose
// Checksum is set: the blake2b-256 fingerprint of all preceding calls.
type LibraryEntry struct {
	Records  []ProfileRecord
	Checksum []byte
}

type profileLibrary struct {
	cells       []*cellProfile
	fingerprint [blake2b.Size256]byte
}

func (lib *profileLibrary) cellNames() []string {
	names := make([]string, len(lib.cells))
	for i, p := range lib.cells {
		names[i] = p.Name
	}
	return names
}

func (lib *profileLibrary) cellByName(name string) *cellProfile {
	for _, p := range lib.cells {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func hashRecord(h io.Writer, rec ProfileRecord) {
	for i, pos := range rec.Positions {
		fmt.Fprintf(h, "%s/%s/%d/%d\n", rec.Cell, rec.Chrom, pos, rec.States[i])
	}
}

// writeProfileLibrary writes cells as a pgzip-compressed gob stream.
// Cells are written sorted by name; the sort order defines the cell
// indexes used by the model outputs.
func writeProfileLibrary(w io.Writer, cells []*cellProfile) error {
	sorted := append([]*cellProfile(nil), cells...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	gzw := pgzip.NewWriter(w)
	enc := gob.NewEncoder(gzw)
	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	for _, p := range sorted {
		if len(p.Chroms) == 0 {
			// A cell with no calls still occupies a column; a
			// name-only record keeps it in the stream.
			if err := enc.Encode(LibraryEntry{Records: []ProfileRecord{{Cell: p.Name}}}); err != nil {
				return err
			}
			continue
		}
		for _, chrom := range profileChromosomes(p) {
			cc := p.Chroms[chrom]
			rec := ProfileRecord{Cell: p.Name, Chrom: chrom, Positions: cc.Positions, States: cc.States}
			hashRecord(h, rec)
			if err := enc.Encode(LibraryEntry{Records: []ProfileRecord{rec}}); err != nil {
				return err
			}
		}
	}
	if err := enc.Encode(LibraryEntry{Checksum: h.Sum(nil)}); err != nil {
		return err
	}
	return gzw.Close()
}

func profileChromosomes(p *cellProfile) []string {
	chroms := make([]string, 0, len(p.Chroms))
	for chrom := range p.Chroms {
		chroms = append(chroms, chrom)
	}
	sort.Strings(chroms)
	return chroms
}

// readProfileLibrary decodes a profile library stream, re-validating every
// record and verifying the trailing fingerprint.
func readProfileLibrary(rdr io.Reader) (*profileLibrary, error) {
	gzr, err := pgzip.NewReader(bufio.NewReaderSize(rdr, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("profile library: gzip: %w", err)
	}
	defer gzr.Close()
	dec := gob.NewDecoder(gzr)
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	lib := &profileLibrary{}
	byName := map[string]*cellProfile{}
	sawChecksum := false
	for {
		var ent LibraryEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("profile library: gob decode: %w", err)
		}
		if sawChecksum {
			return nil, fmt.Errorf("profile library: data after checksum entry")
		}
		for _, rec := range ent.Records {
			if len(rec.Positions) != len(rec.States) {
				return nil, fmt.Errorf("profile library: cell %s chrom %s: %d positions but %d states", rec.Cell, rec.Chrom, len(rec.Positions), len(rec.States))
			}
			p := byName[rec.Cell]
			if p == nil {
				p = newCellProfile(rec.Cell)
				byName[rec.Cell] = p
				lib.cells = append(lib.cells, p)
			}
			for i, pos := range rec.Positions {
				if err := p.add(rec.Chrom, int(pos), rec.States[i]); err != nil {
					return nil, fmt.Errorf("profile library: %w", err)
				}
			}
			hashRecord(h, rec)
		}
		if len(ent.Checksum) > 0 {
			copy(lib.fingerprint[:], ent.Checksum)
			if got := h.Sum(nil); !bytes.Equal(got, ent.Checksum) {
				return nil, fmt.Errorf("profile library: fingerprint mismatch (stored %x, computed %x)", ent.Checksum, got)
			}
			sawChecksum = true
		}
	}
	if !sawChecksum {
		return nil, fmt.Errorf("profile library: truncated stream (no checksum entry)")
	}
	if len(lib.cells) == 0 {
		return nil, fmt.Errorf("profile library: no cells")
	}
	sort.Slice(lib.cells, func(i, j int) bool { return lib.cells[i].Name < lib.cells[j].Name })
	return lib, nil
}

func openProfileLibrary(path string, stdin io.Reader) (*profileLibrary, error) {
	if path == "-" {
		return readProfileLibrary(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readProfileLibrary(f)
}

func cellNameFromPath(path string) string {
	name := path
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	for _, suffix := range []string{".gz", ".tsv", ".txt", ".cov"} {
		name = strings.TrimSuffix(name, suffix)
	}
	return name
}
