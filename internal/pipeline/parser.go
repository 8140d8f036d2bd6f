package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	cierrors "blockci/internal/errors"
)

// Format is the on-disk syntax of a pipeline file.
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSONC Format = "jsonc"
)

// FormatFromPath picks the format from the file extension. Anything that is
// not .json or .jsonc is read as YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSONC
	default:
		return FormatYAML
	}
}

// Parse decodes pipeline content. JSONC input has comments and trailing
// commas stripped first; the remaining JSON is a YAML subset and goes through
// the same decoder, so both formats share one set of field tags.
// Unknown fields are rejected.
func Parse(data []byte, format Format) (*Pipeline, error) {
	if format == FormatJSONC {
		var compact bytes.Buffer
		if err := json.Compact(&compact, jsonc.ToJSON(data)); err != nil {
			return nil, cierrors.Wrap(err, cierrors.KindConfig, "parsing pipeline")
		}
		data = compact.Bytes()
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, cierrors.Config("pipeline is empty")
		}
		return nil, cierrors.Wrap(err, cierrors.KindConfig, "parsing pipeline")
	}
	return &p, nil
}

// Load reads, parses and validates a pipeline file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	p, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := Validate(p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}
