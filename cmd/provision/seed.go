package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	"salesdesk/pkg/domain"
)

// seedSet is one YAML document of a seed file. A file may hold several
// documents separated by "---".
type seedSet struct {
	Collection string          `yaml:"collection"`
	Records    []domain.Record `yaml:"records"`
}

func loadSeedFile(path string) ([]seedSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return decodeSeed(f)
}

func decodeSeed(r io.Reader) ([]seedSet, error) {
	dec := yaml.NewDecoder(r)
	var sets []seedSet
	for i := 0; ; i++ {
		var set seedSet
		err := dec.Decode(&set)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse seed document %d: %w", i+1, err)
		}
		set.Collection = strings.TrimSpace(set.Collection)
		if set.Collection == "" {
			return nil, fmt.Errorf("seed document %d: collection is required", i+1)
		}
		if len(set.Records) == 0 {
			continue
		}
		sets = append(sets, set)
	}
	if len(sets) == 0 {
		return nil, errors.New("seed file has no records")
	}
	return sets, nil
}
