// Package config parses the store's flat key=value configuration file
// format: one key=value pair per line, '#' comments, blank lines
// ignored.
package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// File is a parsed configuration file: every key=value pair it holds
// (e.g. "pmem.poolPath", "dht.port"), recognized or not.
type File struct {
	values map[string]string
}

// Parse reads key=value pairs from r.
func Parse(r io.Reader) (*File, error) {
	f := &File{values: make(map[string]string)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		f.values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// String returns the raw string value for key, and whether it was set.
func (f *File) String(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

// Int returns key's value parsed as an int, and whether it was present
// and valid.
func (f *File) Int(key string) (int, bool) {
	v, ok := f.values[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Int64 returns key's value parsed as an int64, and whether it was
// present and valid.
func (f *File) Int64(key string) (int64, bool) {
	v, ok := f.values[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool returns key's value parsed as a bool, and whether it was present
// and valid.
func (f *File) Bool(key string) (bool, bool) {
	v, ok := f.values[key]
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Keys returns every key present in the file, for diagnostics.
func (f *File) Keys() []string {
	out := make([]string, 0, len(f.values))
	for k := range f.values {
		out = append(out, k)
	}
	return out
}
