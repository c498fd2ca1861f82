package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrorWriter renders a rejection. Routes with their own response envelope
// pass one to the validator; nil falls back to WriteJSONError.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, code string)

type JSONSchemaValidator struct {
	schema  *jsonschema.Schema
	onError ErrorWriter
}

func NewJSONSchemaValidator(schemaJSON string, onError ErrorWriter) (*JSONSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	if onError == nil {
		onError = WriteJSONError
	}
	return &JSONSchemaValidator{schema: schema, onError: onError}, nil
}

// Validate decodes body with json.Number precision and checks it against
// the schema.
func (v *JSONSchemaValidator) Validate(body []byte) error {
	var payload interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return err
	}
	return v.schema.Validate(payload)
}

func (v *JSONSchemaValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			v.onError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				v.onError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
				return
			}
			v.onError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}
		_ = r.Body.Close()

		if err := v.Validate(body); err != nil {
			var ve *jsonschema.ValidationError
			if errors.As(err, &ve) {
				v.onError(w, r, http.StatusBadRequest, "validation_error")
				return
			}
			v.onError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
