package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/ini.v1"
)

// Section names understood in the --ini file.
const (
	AppSection  = "app:main"
	TaskSection = "taskbridge"
)

// LoadINI reads an ini file. Keys are addressed as "<section>.<key>". A
// "config:" prefix on path is ignored. '#' and ';' start a comment only at
// the beginning of a line, so values like "egg:shop#main" survive.
func LoadINI(path string) (*viper.Viper, error) {
	path = strings.TrimPrefix(path, "config:")
	if path == "" {
		return nil, fmt.Errorf("load ini: empty path")
	}
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("load ini %s: %w", path, err)
	}

	sections := make(map[string]any)
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection && len(sec.Keys()) == 0 {
			continue
		}
		keys := make(map[string]any, len(sec.Keys()))
		for _, k := range sec.Keys() {
			keys[k.Name()] = k.Value()
		}
		sections[sec.Name()] = keys
	}

	v := viper.New()
	if err := v.MergeConfigMap(sections); err != nil {
		return nil, fmt.Errorf("load ini %s: %w", path, err)
	}
	return v, nil
}

// Section returns the flat key/value pairs of one ini section. A missing
// section yields an empty map.
func Section(v *viper.Viper, name string) map[string]string {
	out := make(map[string]string)
	for k, val := range v.GetStringMapString(name) {
		out[k] = val
	}
	return out
}

// Sub returns a viper scoped to one section so it can be unmarshalled on its
// own. A missing section yields an empty viper.
func Sub(v *viper.Viper, name string) *viper.Viper {
	if sub := v.Sub(name); sub != nil {
		return sub
	}
	return viper.New()
}
