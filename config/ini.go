package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

var loadOptions = ini.LoadOptions{
	// PVE_HOST and pve_host name the same key
	InsensitiveKeys: true,
	// passwords may contain '#' and ';'
	IgnoreInlineComment: true,
}

// readFile flattens the DEFAULT section and then the named section into one
// map, so named values win over DEFAULT ones. A missing named section is not an error.
func readFile(path, section string) (map[string]any, error) {
	f, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, err
	}

	values := make(map[string]any)
	for _, key := range f.Section(ini.DefaultSection).Keys() {
		values[key.Name()] = key.Value()
	}

	sec, err := f.GetSection(section)
	if err != nil {
		return values, nil
	}
	for _, key := range sec.Keys() {
		values[key.Name()] = key.Value()
	}

	return values, nil
}

// writeDefaults creates path with the hard-coded defaults in section
func writeDefaults(path, section string) error {
	f := ini.Empty(loadOptions)
	sec, err := f.NewSection(section)
	if err != nil {
		return err
	}
	sec.Comment = "Generated by pvectl with default values"

	for _, s := range settings {
		if !s.written {
			continue
		}
		if _, err := sec.NewKey(s.key, fmt.Sprint(s.value)); err != nil {
			return err
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteTo(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
