// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// seqAlphabet is the one-hot encoding alphabet. Index 4 ('N') stands for
// any base that is unknown, including window padding beyond chromosome
// bounds.
const seqAlphabet = "ACGTN"

const unknownBaseIndex = 4

type invalidWindowError struct {
	chrom string
	pos   int
}

func (e invalidWindowError) Error() string {
	return fmt.Sprintf("position %s:%d outside chromosome bounds", e.chrom, e.pos)
}

// genome maps chromosome name to its uppercase base sequence.
type genome map[string]string

func loadGenome(path string) (genome, error) {
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
	g := genome{}
	if err := g.readFasta(rdr); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

func (g genome) readFasta(rdr io.Reader) error {
	var name string
	var seq bytes.Buffer
	flush := func() {
		if name != "" {
			g[name] = strings.ToUpper(seq.String())
		}
		seq.Reset()
	}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(nil, 1<<27)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			flush()
			name = string(bytes.Fields(line[1:])[0])
			continue
		}
		if name == "" {
			return fmt.Errorf("fasta data precedes first sequence label")
		}
		seq.Write(line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()
	if len(g) == 0 {
		return fmt.Errorf("no sequences found in fasta input")
	}
	return nil
}

func (g genome) chromosomes() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// window returns length bases centered on pos (0-based), padding with 'N'
// where the window extends past either end of the chromosome. length must
// be odd. Positions outside the chromosome entirely return
// invalidWindowError.
func (g genome) window(chrom string, pos, length int) (string, error) {
	seq, ok := g[chrom]
	if !ok {
		return "", fmt.Errorf("unknown chromosome %q", chrom)
	}
	if pos < 0 || pos >= len(seq) {
		return "", invalidWindowError{chrom, pos}
	}
	radius := length / 2
	start, end := pos-radius, pos+radius+1
	var b strings.Builder
	b.Grow(length)
	for i := start; i < end; i++ {
		if i < 0 || i >= len(seq) {
			b.WriteByte('N')
		} else {
			b.WriteByte(seq[i])
		}
	}
	return b.String(), nil
}

func baseIndex(b byte) int {
	switch b {
	case 'A':
		return 0
	case 'C':
		return 1
	case 'G':
		return 2
	case 'T':
		return 3
	default:
		return unknownBaseIndex
	}
}

// encodeWindow one-hot encodes seq into out, which must hold
// len(seq)*len(seqAlphabet) values. Each row has exactly one 1.
func encodeWindow(seq string, out []float32) {
	for i := range out {
		out[i] = 0
	}
	for i := 0; i < len(seq); i++ {
		out[i*len(seqAlphabet)+baseIndex(seq[i])] = 1
	}
}

// cpgSites returns the positions of all CpG dinucleotides (the C) on chrom.
func (g genome) cpgSites(chrom string) []int {
	seq := g[chrom]
	var sites []int
	for i := 0; i+1 < len(seq); i++ {
		if seq[i] == 'C' && seq[i+1] == 'G' {
			sites = append(sites, i)
		}
	}
	return sites
}
