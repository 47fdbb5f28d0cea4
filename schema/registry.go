// Copyright 2025 The ocpp-ws-io Authors
// This file is part of the ocpp-ws-io library.
//
// The ocpp-ws-io library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ocpp-ws-io library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ocpp-ws-io library. If not, see <http://www.gnu.org/licenses/>.

// Package schema implements the strict-mode validator registry. Schemas are
// keyed per protocol by "urn:<Method>.<req|conf>" and compiled lazily on
// first use; compiled instances are shared process-wide by protocol.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rohittiwari-dev/ocpp-ws-io-sub000/rpc"
)

// Registry holds per-protocol schema collections. The zero value is not
// usable; call NewRegistry.
type Registry struct {
	mu        sync.Mutex
	protocols map[string]*protocolSchemas
}

type protocolSchemas struct {
	mu       sync.Mutex
	sources  map[string][]byte
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{protocols: make(map[string]*protocolSchemas)}
}

// Register stores the JSON Schema source for schemaID under protocol.
// Compilation happens on first Validate.
func (r *Registry) Register(protocol, schemaID string, source []byte) error {
	if !json.Valid(source) {
		return fmt.Errorf("schema %s: source is not valid JSON", schemaID)
	}
	ps := r.forProtocol(protocol)
	ps.mu.Lock()
	ps.sources[schemaID] = source
	delete(ps.compiled, schemaID)
	ps.mu.Unlock()
	return nil
}

// RegisterMethod registers the request and/or response schema for a method,
// deriving the "urn:<Method>.req" / "urn:<Method>.conf" ids.
func (r *Registry) RegisterMethod(protocol, method string, reqSchema, confSchema []byte) error {
	if reqSchema != nil {
		if err := r.Register(protocol, "urn:"+method+".req", reqSchema); err != nil {
			return err
		}
	}
	if confSchema != nil {
		if err := r.Register(protocol, "urn:"+method+".conf", confSchema); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) forProtocol(protocol string) *protocolSchemas {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.protocols[protocol]
	if !ok {
		ps = &protocolSchemas{
			sources:  make(map[string][]byte),
			compiled: make(map[string]*jsonschema.Schema),
		}
		r.protocols[protocol] = ps
	}
	return ps
}

// Validate checks payload against the schema registered for schemaID under
// protocol. An unregistered schema id passes (unknown methods fall
// through). Violations are reported as typed *rpc.Error values following
// the OCPP error taxonomy.
//
// Validate implements rpc.Validator.
func (r *Registry) Validate(protocol, schemaID string, payload []byte) error {
	r.mu.Lock()
	ps, ok := r.protocols[protocol]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	sch, err := ps.schema(schemaID)
	if err != nil {
		return err
	}
	if sch == nil {
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return rpc.NewError(rpc.ErrCodeFormatViolation, "payload is not valid JSON")
	}
	if err := sch.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if ok := asValidationError(err, &verr); ok {
			return translateViolation(verr)
		}
		return rpc.NewError(rpc.ErrCodeGenericError, err.Error())
	}
	return nil
}

// schema returns the compiled schema for id, compiling lazily. A nil schema
// with nil error means the id is not registered.
func (ps *protocolSchemas) schema(id string) (*jsonschema.Schema, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if sch, ok := ps.compiled[id]; ok {
		return sch, nil
	}
	source, ok := ps.sources[id]
	if !ok {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(id, bytes.NewReader(source)); err != nil {
		return nil, rpc.NewError(rpc.ErrCodeInternalError, "schema "+id+" failed to load: "+err.Error())
	}
	sch, err := compiler.Compile(id)
	if err != nil {
		return nil, rpc.NewError(rpc.ErrCodeInternalError, "schema "+id+" failed to compile: "+err.Error())
	}
	ps.compiled[id] = sch
	return sch, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	verr, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = verr
	}
	return ok
}

// translateViolation maps a schema diagnostic onto the OCPP error taxonomy:
//
//	required / additionalProperties  -> OccurrenceConstraintViolation
//	type                             -> TypeConstraintViolation
//	enum / const / minimum / maximum -> PropertyConstraintViolation
//	format / length / pattern        -> FormatViolation
func translateViolation(verr *jsonschema.ValidationError) *rpc.Error {
	leaf := leafCause(verr)
	keyword := lastKeyword(leaf.KeywordLocation)

	var code rpc.ErrorCode
	switch keyword {
	case "required", "additionalProperties", "minProperties", "maxProperties", "dependencies":
		code = rpc.ErrCodeOccurrenceConstraintViolation
	case "type":
		code = rpc.ErrCodeTypeConstraintViolation
	case "enum", "const", "minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "multipleOf":
		code = rpc.ErrCodePropertyConstraintViolation
	case "format", "minLength", "maxLength", "pattern", "minItems", "maxItems":
		code = rpc.ErrCodeFormatViolation
	default:
		code = rpc.ErrCodeFormatViolation
	}

	message := leaf.Message
	if loc := leaf.InstanceLocation; loc != "" {
		message = loc + ": " + message
	}
	return rpc.NewError(code, message)
}

// leafCause walks to the most specific cause of a validation failure.
func leafCause(verr *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return verr
}

func lastKeyword(keywordLocation string) string {
	if keywordLocation == "" {
		return ""
	}
	parts := strings.Split(keywordLocation, "/")
	// Skip trailing indices like ".../required/0".
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if p == "" || isDigits(p) {
			continue
		}
		return p
	}
	return ""
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
