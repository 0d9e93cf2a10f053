package spool

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/lsm/cdcsink/internal/encoder"
)

// ErrEmptySpool is returned by Resume for a file without data rows.
var ErrEmptySpool = errors.New("spool file has no rows")

// ErrNotSpoolFile is returned for a CSV file whose header is not the spool
// metadata header.
var ErrNotSpoolFile = errors.New("not a spool file")

// Pending lists spool files left behind under prefix, oldest name first.
func Pending(prefix string) ([]string, error) {
	matches, err := filepath.Glob(prefix + "*.csv")
	if err != nil {
		return nil, fmt.Errorf("list spool files: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Resume attaches a Writer to a spool file left behind by an earlier run, so
// it can be pushed and destroyed under the usual deletion rules. Schema and
// table come from cfg, or from the file's first row when unset. The writer
// owns the file only when it carries cfg.PathPrefix and is not the fixed
// cfg.Path.
func Resume(path string, cfg Config, opts ...Option) (*Writer, error) {
	columns, schema, table, err := inspect(path)
	if err != nil {
		return nil, err
	}
	if cfg.Schema == "" {
		cfg.Schema = schema
	}
	if cfg.Table == "" {
		cfg.Table = table
	}
	owned := cfg.PathPrefix != "" && strings.HasPrefix(path, cfg.PathPrefix) && path != cfg.Path
	cfg.Path = path

	w := New(cfg, opts...)
	w.owned = owned
	w.headerWritten = true
	w.columns = columns
	return w, nil
}

// Source returns the source schema and table recorded in the first row of a
// spool file.
func Source(path string) (schema, table string, err error) {
	_, schema, table, err = inspect(path)
	return schema, table, err
}

func inspect(path string) (columns []string, schema, table string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", "", fmt.Errorf("open spool file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, "", "", fmt.Errorf("%s: %w", path, ErrEmptySpool)
		}
		return nil, "", "", fmt.Errorf("read spool header: %w", err)
	}
	if !slices.Equal(header, encoder.SpoolColumns) {
		return nil, "", "", fmt.Errorf("%s: %w", path, ErrNotSpoolFile)
	}
	first, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, "", "", fmt.Errorf("%s: %w", path, ErrEmptySpool)
		}
		return nil, "", "", fmt.Errorf("read spool row: %w", err)
	}
	for i, name := range header {
		switch name {
		case encoder.ColSchema:
			schema = first[i]
		case encoder.ColTable:
			table = first[i]
		}
	}
	return header, schema, table, nil
}
