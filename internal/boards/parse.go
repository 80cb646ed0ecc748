// Package boards loads board locations (code, address, coordinates) into a
// tenant's boards store.
package boards

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Board is one board location.
type Board struct {
	Code    string   `db:"code" json:"code" yaml:"code"`
	Address string   `db:"address" json:"address" yaml:"address"`
	Place   string   `db:"place" json:"place,omitempty" yaml:"place,omitempty"`
	Lat     *float64 `db:"lat" json:"lat,omitempty" yaml:"lat,omitempty"`
	Lon     *float64 `db:"lon" json:"lon,omitempty" yaml:"lon,omitempty"`
}

// ParseWarning is a row that was skipped or altered.
type ParseWarning struct {
	Line    int    `json:"line" yaml:"line"`
	Message string `json:"message" yaml:"message"`
}

// ParseResult is the outcome of ParseTSV.
type ParseResult struct {
	Encoding string         `json:"encoding" yaml:"encoding"`
	Boards   []Board        `json:"boards" yaml:"boards"`
	Warnings []ParseWarning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// ParseTSV reads a header-driven, tab-separated board list. Blank lines and
// lines starting with # are ignored. code and address are required per row;
// place, lat and lon are optional, and unparsable coordinates become nil.
// Board codes are NFKC-normalized so full-width digits match the web app.
func ParseTSV(r io.Reader) (*ParseResult, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read TSV: %w", err)
	}
	data, enc, err := decode(raw)
	if err != nil {
		return nil, err
	}

	// Keep the original line numbers for warnings while dropping comments.
	var kept bytes.Buffer
	var lineNos []int
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
		lineNos = append(lineNos, n)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read TSV: %w", err)
	}

	reader := csv.NewReader(&kept)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty TSV: no header row found")
		}
		return nil, fmt.Errorf("failed to read header row: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"code", "address"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("TSV header is missing %q column", required)
		}
	}

	result := &ParseResult{Encoding: enc}
	seen := map[string]int{}
	row := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		line := 0
		if row < len(lineNos) {
			line = lineNos[row]
		}
		if err != nil {
			result.Warnings = append(result.Warnings, ParseWarning{Line: line, Message: fmt.Sprintf("parse error: %v", err)})
			continue
		}

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		b := Board{
			Code:    NormalizeCode(field("code")),
			Address: field("address"),
			Place:   field("place"),
		}
		if b.Code == "" || b.Address == "" {
			result.Warnings = append(result.Warnings, ParseWarning{Line: line, Message: "missing code or address"})
			continue
		}
		if first, dup := seen[b.Code]; dup {
			result.Warnings = append(result.Warnings, ParseWarning{
				Line:    line,
				Message: fmt.Sprintf("duplicate code %s (first on line %d)", b.Code, first),
			})
			continue
		}
		seen[b.Code] = line

		var warn string
		b.Lat, warn = parseCoord(field("lat"), 90)
		if warn != "" {
			result.Warnings = append(result.Warnings, ParseWarning{Line: line, Message: "lat " + warn})
		}
		b.Lon, warn = parseCoord(field("lon"), 180)
		if warn != "" {
			result.Warnings = append(result.Warnings, ParseWarning{Line: line, Message: "lon " + warn})
		}
		result.Boards = append(result.Boards, b)
	}
	return result, nil
}

// NormalizeCode applies NFKC and trims spaces, so "１２－３" becomes "12-3".
func NormalizeCode(code string) string {
	return strings.TrimSpace(norm.NFKC.String(code))
}

func parseCoord(s string, limit float64) (*float64, string) {
	if s == "" {
		return nil, ""
	}
	v, err := strconv.ParseFloat(norm.NFKC.String(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Sprintf("%q is not a number, stored as empty", s)
	}
	if math.Abs(v) > limit {
		return nil, fmt.Sprintf("%q is out of range, stored as empty", s)
	}
	return &v, ""
}
