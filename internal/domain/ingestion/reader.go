package ingestion

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrFileNotFound = errors.New("dataset file not found")
	ErrNotAFile     = errors.New("dataset path is not a regular file")
)

// ValidatePath verifies the dataset path exists and is a regular file.
func ValidatePath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotAFile, path)
	}
	return nil
}

// detectFormat picks the record format from the file extension, falling back
// to defaultFormat for unknown extensions.
func detectFormat(path, defaultFormat string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "csv"
	case ".ndjson", ".jsonl":
		return "ndjson"
	case ".json":
		return "json"
	default:
		return defaultFormat
	}
}

// ReadFile streams records from a dataset file, invoking fn once per record.
// Memory use is bounded by a single record regardless of file size. A
// non-nil error from fn stops the read.
func ReadFile(path, defaultFormat string, fn func(RawRecord) error) error {
	if err := ValidatePath(path); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	switch detectFormat(path, defaultFormat) {
	case "csv":
		return readCSV(f, fn)
	case "ndjson":
		return readNDJSON(f, fn)
	case "json":
		return readJSONArray(f, fn)
	default:
		return fmt.Errorf("unsupported dataset format for %s", path)
	}
}

func readCSV(r io.Reader, fn func(RawRecord) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read csv row: %w", err)
		}

		rec := make(RawRecord, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[strings.TrimSpace(col)] = row[i]
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func readNDJSON(r io.Reader, fn func(RawRecord) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec RawRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return fmt.Errorf("parse ndjson line %d: %w", line, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// readJSONArray streams an array document element by element so the whole
// file is never held in memory.
func readJSONArray(r io.Reader, fn func(RawRecord) error) error {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("parse json: expected array document")
	}

	for dec.More() {
		var rec RawRecord
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("parse json element: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return fmt.Errorf("parse json: %w", err)
	}
	return nil
}
