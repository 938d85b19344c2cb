// Package payloadschema validates canonical post payloads, the format
// replay files and the ingest command accept.
package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/araddon/dateparse"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed post_payload.schema.json
var postPayloadSchemaJSON string

type PostPayload struct {
	Platform         string           `json:"platform"`
	ObjectID         string           `json:"object_id"`
	AuthorHandle     string           `json:"author_handle"`
	Text             string           `json:"text"`
	CreatedAt        string           `json:"created_at"`
	Tags             []string         `json:"tags,omitempty"`
	Metrics          map[string]int64 `json:"metrics,omitempty"`
	SourceURL        *string          `json:"source_url,omitempty"`
	Language         *string          `json:"language,omitempty"`
	PlatformMetadata map[string]any   `json:"platform_metadata,omitempty"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func ValidatePostPayload(payload json.RawMessage) (*PostPayload, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var item PostPayload
	if err := json.Unmarshal(normalized, &item); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := validateSemantics(&item); err != nil {
		return nil, err
	}

	return &item, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("post_payload.schema.json", strings.NewReader(postPayloadSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("post_payload.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

func validateSemantics(item *PostPayload) error {
	if item == nil {
		return fmt.Errorf("payload is nil")
	}

	if strings.TrimSpace(item.ObjectID) == "" {
		return fmt.Errorf("object_id must not be blank")
	}
	if strings.TrimSpace(item.AuthorHandle) == "" {
		return fmt.Errorf("author_handle must not be blank")
	}

	if _, err := dateparse.ParseAny(strings.TrimSpace(item.CreatedAt)); err != nil {
		return fmt.Errorf("created_at is not a recognizable timestamp: %w", err)
	}

	if item.SourceURL != nil {
		trimmed := strings.TrimSpace(*item.SourceURL)
		if trimmed == "" {
			return fmt.Errorf("source_url must not be blank")
		}
		if _, err := url.ParseRequestURI(trimmed); err != nil {
			return fmt.Errorf("source_url is not a valid URI: %w", err)
		}
	}

	for i, tag := range item.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("tags[%d] must not be blank", i)
		}
	}

	return nil
}
