package api

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Request body schemas, named after their file under schemas/.
const (
	schemaMovementSend     = "movement_send"
	schemaMovementSequence = "movement_sequence"
	schemaSimulateObstacle = "simulate_obstacle"
	schemaDeviceRegister   = "device_register"
	schemaDemoRepeat       = "demo_repeat"
)

var errBodyTooLarge = errors.New("request body too large")

// validator holds the compiled request schemas.
type validator struct {
	schemas map[string]*gojsonschema.Schema
}

func newValidator() (*validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("reading schema dir: %w", err)
	}
	v := &validator{schemas: make(map[string]*gojsonschema.Schema, len(entries))}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", e.Name(), err)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("compiling schema %s: %w", e.Name(), err)
		}
		v.schemas[strings.TrimSuffix(e.Name(), ".json")] = schema
	}
	return v, nil
}

// validate checks a JSON document against the named schema and returns
// every violation joined into one message.
func (v *validator) validate(name string, doc []byte) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// decodeBody reads the body, validates it against the named schema and
// unmarshals it into dst. On failure it writes the response and returns false.
// An empty body is treated as {} when allowEmpty is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, schema string, dst any, allowEmpty bool) bool {
	body, err := readBody(r)
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, err.Error())
		return false
	}
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if !allowEmpty {
			writeBadRequest(w, "request body is required")
			return false
		}
		body = []byte("{}")
	}

	if err := s.validator.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return nil, errBodyTooLarge
	}
	return body, err
}
