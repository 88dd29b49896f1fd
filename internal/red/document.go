// Package red defines the RED document's internal representation: the
// stable tagged-variant model (Literal vs Connector) spec.md §9's design
// notes call for in place of the source's dynamically-typed documents, plus
// schema validation and protected-key hoisting. Grounded on the teacher's
// go-playground/validator usage pattern (wscutils.WscValidate) and on the
// teacher's enum Scan/Value style reused here for the tagged union's JSON
// (de)serialization.
package red

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ccagency/agency/internal/errkind"
)

// SupportedContainerEngine and SupportedExecutionEngine are the only
// accepted values; anything else is rejected at intake per spec.md §4.2.
const (
	SupportedContainerEngine = "docker"
	SupportedExecutionEngine = "ccagency"
)

// Document is a validated RED submission.
type Document struct {
	Container     ContainerSettings `json:"container" validate:"required"`
	Execution     ExecutionSettings `json:"execution" validate:"required"`
	Inputs        map[string]Value  `json:"inputs,omitempty"`
	Outputs       map[string]Value  `json:"outputs,omitempty"`
	Batches       []BatchOverride   `json:"batches,omitempty"`
	Notifications []string          `json:"notifications,omitempty" validate:"dive,url"`
}

// ContainerSettings names the engine, image, and resource demand.
type ContainerSettings struct {
	Engine   string `json:"engine" validate:"required"`
	Settings struct {
		Image string     `json:"image" validate:"required"`
		RAM   int        `json:"ram" validate:"required,gt=0"`
		GPUs  *GPUDemand `json:"gpus,omitempty"`
	} `json:"settings" validate:"required"`
}

// GPUDemand is a batch's GPU requirement: count distinct physical GPUs,
// each with at least VRAMMin MiB of video memory free.
type GPUDemand struct {
	Count   int `json:"count" validate:"required,gt=0"`
	VRAMMin int `json:"vramMin" validate:"required,gt=0"`
}

// ExecutionSettings names the execution engine and per-experiment policy.
type ExecutionSettings struct {
	Engine                string `json:"engine" validate:"required"`
	RetryIfFailed          bool   `json:"retryIfFailed"`
	BatchConcurrencyLimit  int    `json:"batchConcurrencyLimit" validate:"gte=0"`
	AccessURL              string `json:"accessUrl,omitempty" validate:"omitempty,url"`
}

// BatchOverride is one entry of the optional top-level "batches" array; it
// layers its own inputs/outputs on top of the document's base values.
type BatchOverride struct {
	Inputs       map[string]Value `json:"inputs,omitempty"`
	Outputs      map[string]Value `json:"outputs,omitempty"`
	MountInputs  bool             `json:"mountInputs,omitempty"`
	MountOutputs bool             `json:"mountOutputs,omitempty"`
}

// ValueKind distinguishes a Value's two tagged variants.
type ValueKind string

const (
	ValueLiteral   ValueKind = "literal"
	ValueConnector ValueKind = "connector"
)

// Value is a RED input/output value: either a literal JSON value, or a
// connector description naming a side program that resolves the value at
// run time (spec.md GLOSSARY: "Connector").
type Value struct {
	Kind      ValueKind
	Literal   any
	Connector *Connector
}

// Connector is an input/output resolved by an external helper program.
type Connector struct {
	ConnectorType string         `json:"connectorType"`
	Command       string         `json:"command,omitempty"`
	Access        map[string]any `json:"access,omitempty"`
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var probe struct {
		ConnectorType string `json:"connectorType"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.ConnectorType != "" {
		var c Connector
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		v.Kind = ValueConnector
		v.Connector = &c
		return nil
	}
	var lit any
	if err := json.Unmarshal(data, &lit); err != nil {
		return err
	}
	v.Kind = ValueLiteral
	v.Literal = lit
	v.Connector = nil
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == ValueConnector {
		return json.Marshal(v.Connector)
	}
	return json.Marshal(v.Literal)
}

var validate = validator.New()

// Validate checks the document's struct tags and the two engine
// allow-lists, returning an errkind.Validation error describing the first
// problem found.
func Validate(doc *Document) error {
	if err := validate.Struct(doc); err != nil {
		return errkind.Wrap(errkind.Validation, "red document failed schema validation", err)
	}
	if doc.Container.Engine != SupportedContainerEngine {
		return errkind.New(errkind.Validation, fmt.Sprintf("unsupported container engine %q", doc.Container.Engine))
	}
	if doc.Execution.Engine != SupportedExecutionEngine {
		return errkind.New(errkind.Validation, fmt.Sprintf("unsupported execution engine %q", doc.Execution.Engine))
	}
	return nil
}

// ProtectedKeyPrefix marks a document key as routed through SecretClient
// rather than carried inline (spec.md GLOSSARY: "Protected key").
const ProtectedKeyPrefix = "_"

// HoistProtectedValues walks inputs/outputs at the document level and
// within every batch override, collecting every key beginning with "_" into
// a secret bundle and replacing its value in place with an opaque
// reference, per spec.md §4.2. The returned bundle is what the Broker POSTs
// to SecretClient.Put.
func HoistProtectedValues(doc *Document, bundleID string) map[string]any {
	bundle := map[string]any{}
	hoist := func(m map[string]Value) {
		for k, v := range m {
			if !strings.HasPrefix(k, ProtectedKeyPrefix) {
				continue
			}
			if v.Kind == ValueLiteral {
				bundle[k] = v.Literal
			} else {
				bundle[k] = v.Connector
			}
			m[k] = Value{Kind: ValueLiteral, Literal: OpaqueReference(bundleID, k)}
		}
	}
	hoist(doc.Inputs)
	hoist(doc.Outputs)
	for i := range doc.Batches {
		hoist(doc.Batches[i].Inputs)
		hoist(doc.Batches[i].Outputs)
	}
	return bundle
}

// OpaqueReference is the placeholder a hoisted protected value is replaced
// with; the NodeAgentClient spec resolves it back via SecretClient.get at
// launch time.
func OpaqueReference(bundleID, key string) string {
	return fmt.Sprintf("secretref://%s/%s", bundleID, key)
}

// ExpandBatches returns the effective per-batch inputs/outputs/mount flags,
// one entry per batch. N is len(doc.Batches), or 1 for a single-batch RED
// document with no "batches" array, per spec.md §4.2.
func ExpandBatches(doc *Document) []BatchOverride {
	if len(doc.Batches) == 0 {
		return []BatchOverride{{Inputs: doc.Inputs, Outputs: doc.Outputs}}
	}
	out := make([]BatchOverride, len(doc.Batches))
	for i, b := range doc.Batches {
		merged := BatchOverride{
			Inputs:       mergeValues(doc.Inputs, b.Inputs),
			Outputs:      mergeValues(doc.Outputs, b.Outputs),
			MountInputs:  b.MountInputs,
			MountOutputs: b.MountOutputs,
		}
		out[i] = merged
	}
	return out
}

func mergeValues(base, override map[string]Value) map[string]Value {
	merged := make(map[string]Value, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
