package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
)

// hobbyCatalog is the on-disk shape of HOBBY_CATALOG_FILE:
//
//	hobbies:
//	  - id: gaming
//	    name: Gaming
//	  - id: music
//	    name: Music
//
// Only the id is significant for matching; name is cosmetic and optional.
type hobbyCatalog struct {
	Hobbies []hobbyEntry `yaml:"hobbies"`
}

type hobbyEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

func loadHobbyCatalog(readFile func(string) ([]byte, error), path string) ([]string, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	var catalog hobbyCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse hobby catalog: %w", err)
	}
	if len(catalog.Hobbies) == 0 {
		return nil, errors.New("hobby catalog is empty")
	}

	seen := make(map[string]struct{}, len(catalog.Hobbies))
	out := make([]string, 0, len(catalog.Hobbies))
	for i, entry := range catalog.Hobbies {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, fmt.Errorf("hobbies[%d]: missing id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("hobbies[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
