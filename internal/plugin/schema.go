package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	invjs "github.com/invopop/jsonschema"
	"github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Format identifies a metadata document encoding.
type Format string

// Supported metadata formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// MetadataFiles are the file names recognised as plugin metadata, in
// preference order.
var MetadataFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml", "plugin.toml"}

// FormatFromPath derives the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported metadata format %q", filepath.Ext(path))
	}
}

const schemaURL = "lodestar://plugin-metadata.json"

var (
	schemaOnce     sync.Once
	schemaDoc      *invjs.Schema
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

// MetadataSchema returns the JSON schema every metadata document must satisfy.
func MetadataSchema() *invjs.Schema {
	schemaOnce.Do(buildSchema)
	return schemaDoc
}

func buildSchema() {
	r := &invjs.Reflector{
		Anonymous:                  true,
		ExpandedStruct:             true,
		DoNotReference:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: true,
	}
	schemaDoc = r.Reflect(&Metadata{})
	schemaDoc.Title = "lodestar plugin metadata"

	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		schemaErr = fmt.Errorf("marshal metadata schema: %w", err)
		return
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		schemaErr = fmt.Errorf("add metadata schema: %w", err)
		return
	}
	schemaCompiled, schemaErr = c.Compile(schemaURL)
}

// ParseMetadata decodes and validates a metadata document.
//
// A document that cannot be decoded returns an error wrapping the decoder
// failure; callers treat that as "not a plugin". A document that decodes but
// violates the schema or the metadata invariants returns the parsed metadata
// together with an error wrapping ErrInvalidMetadata.
func ParseMetadata(data []byte, format Format) (Metadata, error) {
	var doc any
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatTOML:
		var m map[string]any
		err = toml.Unmarshal(data, &m)
		doc = m
	default:
		return Metadata{}, fmt.Errorf("unsupported metadata format %q", format)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("decode %s metadata: %w", format, err)
	}

	// Re-encode so every format reaches the validator in the JSON data model.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return Metadata{}, fmt.Errorf("normalize %s metadata: %w", format, err)
	}
	var generic any
	if err := json.Unmarshal(normalized, &generic); err != nil {
		return Metadata{}, fmt.Errorf("normalize %s metadata: %w", format, err)
	}
	if _, ok := generic.(map[string]any); !ok {
		return Metadata{}, fmt.Errorf("decode %s metadata: document is not an object", format)
	}

	var md Metadata
	// Best effort so an invalid entry can still be listed under its id.
	_ = json.Unmarshal(normalized, &md)

	MetadataSchema()
	if schemaErr != nil {
		return md, schemaErr
	}
	if err := schemaCompiled.Validate(generic); err != nil {
		return md, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := md.Validate(); err != nil {
		return md, err
	}
	return md, nil
}
