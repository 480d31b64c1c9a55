// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package analyzer ranks log lines across a set of failed jobs by an
// entropy-weighted, job-set-clustered score, surfacing the rare/informative
// lines rather than the common ones (C6).
package analyzer

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var (
	rePrefix       = regexp.MustCompile(`^.*? - (STDOUT|STDERR|EXECUTOR):\s*`)
	reSpace        = regexp.MustCompile(`\s+`)
	reURITruncate  = regexp.MustCompile(`^.*https?://[^?]+\?`)
)

// Job is one failed job's id and raw worker output.
type Job struct {
	ID     string
	Output string
}

// CommonLine is one member of a Group's common-lines list.
type CommonLine struct {
	Line  string
	Score float64
}

// Group is a cluster of lines that appeared across the exact same set of
// failing jobs.
type Group struct {
	Score       float64
	Line        string
	CommonLines []CommonLine
	JobIDs      []string
}

type lineRecord struct {
	compareLine string
	cleanLine   string
	entropy     float64
	jobIDs      []string
}

// Rank extracts informative error lines across jobs and returns groups in
// descending-score order (spec §4.6).
func Rank(jobs []Job) []Group {
	outputs := make([]string, len(jobs))
	for i, j := range jobs {
		outputs[i] = j.Output
	}
	triProbs := trigramProbabilities(outputs)

	lines := make(map[string]*lineRecord)
	var order []string
	for _, j := range jobs {
		for _, u := range uniqueLines(j.Output) {
			rec, ok := lines[u.compareLine]
			if !ok {
				rec = &lineRecord{
					compareLine: u.compareLine,
					cleanLine:   u.cleanLine,
					entropy:     trigramEntropy(u.compareLine, triProbs),
				}
				lines[u.compareLine] = rec
				order = append(order, u.compareLine)
			}
			rec.jobIDs = append(rec.jobIDs, j.ID)
		}
	}

	n := float64(len(lines))
	groups := make(map[string]*Group)
	var groupOrder []string
	for _, compareLine := range order {
		rec := lines[compareLine]
		score := math.Log(orOne(rec.entropy)) * float64(len(rec.jobIDs)) / n

		ids := append([]string(nil), rec.jobIDs...)
		sort.Strings(ids)
		key := strings.Join(ids, " ")

		g, ok := groups[key]
		if !ok {
			g = &Group{Score: score, Line: rec.cleanLine, JobIDs: rec.jobIDs}
			groups[key] = g
			groupOrder = append(groupOrder, key)
		}
		g.CommonLines = append(g.CommonLines, CommonLine{Line: rec.cleanLine, Score: score})
		if score > g.Score {
			g.Score = score
			g.Line = rec.cleanLine
		}
	}

	out := make([]Group, 0, len(groupOrder))
	for _, key := range groupOrder {
		out = append(out, *groups[key])
	}

	for i := range out {
		sort.SliceStable(out[i].CommonLines, func(a, b int) bool {
			if out[i].CommonLines[a].Score != out[i].CommonLines[b].Score {
				return out[i].CommonLines[a].Score > out[i].CommonLines[b].Score
			}
			return out[i].CommonLines[a].Line < out[i].CommonLines[b].Line
		})
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		// Stable tie-break: Go map iteration order differs run to run,
		// unlike CPython dict order, so ties need a defined order too.
		return out[a].Line < out[b].Line
	})
	return out
}

func orOne(entropy float64) float64 {
	if entropy == 0 {
		return 1
	}
	return entropy
}

type uniqueLine struct {
	compareLine string
	cleanLine   string
}

// uniqueLines splits output into cleaned lines, dropping empties and
// deduping by compare-line within this one job's output.
func uniqueLines(output string) []uniqueLine {
	if output == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []uniqueLine
	for _, line := range strings.Split(output, "\n") {
		clean := cleanLine(line)
		if clean == "" {
			continue
		}
		compare := compareLine(clean)
		if seen[compare] {
			continue
		}
		seen[compare] = true
		out = append(out, uniqueLine{compareLine: compare, cleanLine: clean})
	}
	return out
}

// cleanLine strips a leading "TIMESTAMP - {STDOUT|STDERR|EXECUTOR}:" prefix
// and collapses internal whitespace runs to a single space.
func cleanLine(line string) string {
	line = rePrefix.ReplaceAllString(line, "")
	line = strings.TrimSpace(line)
	return reSpace.ReplaceAllString(line, " ")
}

// compareLine truncates at an embedded URL's query marker so transient URL
// tails don't fragment otherwise-identical lines into separate clusters.
func compareLine(line string) string {
	if m := reURITruncate.FindString(line); m != "" {
		return m
	}
	return line
}

// trigrams yields the length-3 substrings of s, in order, with repetition.
func trigrams(s string) []string {
	if len(s) < 3 {
		return nil
	}
	out := make([]string, 0, len(s)-2)
	for i := 0; i <= len(s)-3; i++ {
		out = append(out, s[i:i+3])
	}
	return out
}

// uniqueTrigrams returns a job output's distinct trigrams, collected across
// its unique compare-lines.
func uniqueTrigrams(output string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range uniqueLines(output) {
		for _, t := range trigrams(u.compareLine) {
			if seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// trigramProbabilities returns p(t) = count(t) / N for each trigram t,
// where N is the number of job outputs and count(t) counts outputs in
// which t appears at least once.
func trigramProbabilities(outputs []string) map[string]float64 {
	if len(outputs) == 0 {
		return map[string]float64{}
	}
	counts := make(map[string]int)
	for _, o := range outputs {
		for _, t := range uniqueTrigrams(o) {
			counts[t]++
		}
	}
	n := float64(len(outputs))
	probs := make(map[string]float64, len(counts))
	for t, c := range counts {
		probs[t] = float64(c) / n
	}
	return probs
}

// trigramEntropy is the Shannon entropy of line's trigrams (in order, with
// repetition) under the corpus's trigram probability distribution. A
// trigram absent from the distribution contributes 0.
func trigramEntropy(line string, triProbs map[string]float64) float64 {
	var entropy float64
	for _, t := range trigrams(line) {
		p, ok := triProbs[t]
		if !ok || p <= 0 {
			continue
		}
		entropy -= p * math.Log2(p)
	}
	return entropy
}
