// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tunedb

import (
	"math"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/pkg/errors"
)

// SchemaVersion is the row-encoding version written by this package. Rows
// with an unknown version are skipped at load time, never guessed at.
const SchemaVersion = 1

// Kind tags one encoded scalar in a persisted row.
type Kind string

// The scalar kinds a row can carry: problem-shape keys and config constants
// are integers, floats, booleans, strings or element-type tags.
const (
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindString Kind = "str"
	KindDType  Kind = "dtype"
)

// Value is the tagged-union encoding of one scalar. Only the field matching
// Kind is meaningful; the others stay at their zero value and are omitted
// from the JSON.
type Value struct {
	Kind  Kind    `json:"k"`
	Int   int64   `json:"i,omitempty"`
	Float float64 `json:"f,omitempty"`
	Bool  bool    `json:"b,omitempty"`
	Str   string  `json:"s,omitempty"`
}

// ValueOf encodes a Go scalar as a Value. Supported: any integer type,
// float32/float64, bool, string and dtypes.DType.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case bool:
		return Value{Kind: KindBool, Bool: x}, nil
	case string:
		return Value{Kind: KindString, Str: x}, nil
	case float32:
		return Value{Kind: KindFloat, Float: float64(x)}, nil
	case float64:
		return Value{Kind: KindFloat, Float: x}, nil
	case dtypes.DType:
		return Value{Kind: KindDType, Str: x.String()}, nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, errors.Errorf("value %d overflows the persisted integer encoding", x)
		}
		return Value{Kind: KindInt, Int: int64(x)}, nil
	case uint:
		return ValueOf(uint64(x))
	}
	if n, ok := kernels.AsInt(v); ok {
		return Value{Kind: KindInt, Int: int64(n)}, nil
	}
	return Value{}, errors.Errorf("cannot persist value of type %T", v)
}

// Interface decodes a Value back to the Go scalar it was encoded from:
// KindInt yields an int, KindFloat a float64, KindBool a bool, KindString a
// string and KindDType a dtypes.DType.
//
// For an unknown kind it falls back to looking the Str field up as an
// element-type name before declaring the value malformed, so rows written
// with a newer type vocabulary degrade to a best-effort decode instead of
// poisoning the table.
func (v Value) Interface() (any, error) {
	switch v.Kind {
	case KindInt:
		return int(v.Int), nil
	case KindFloat:
		return v.Float, nil
	case KindBool:
		return v.Bool, nil
	case KindString:
		return v.Str, nil
	case KindDType:
		dtype, err := dtypes.DTypeString(v.Str)
		if err != nil {
			return nil, errors.Wrapf(err, "unknown element type %q", v.Str)
		}
		return dtype, nil
	}
	if dtype, found := dtypes.MapOfNames[v.Str]; found {
		return dtype, nil
	}
	return nil, errors.Errorf("unknown value kind %q", v.Kind)
}

// EncodeKey serializes a problem-shape key to its canonical string form: the
// compact JSON array of tagged values. The same string is the in-memory map
// key and the persisted "key" field, so insert-if-absent comparisons are
// byte comparisons.
func EncodeKey(key []any) (string, error) {
	values := make([]Value, len(key))
	for i, v := range key {
		value, err := ValueOf(v)
		if err != nil {
			return "", errors.WithMessagef(err, "key element #%d", i)
		}
		values[i] = value
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", errors.Wrapf(err, "encoding key %v", key)
	}
	return string(data), nil
}

// DecodeKey reverses EncodeKey.
func DecodeKey(encoded string) ([]any, error) {
	var values []Value
	if err := json.Unmarshal([]byte(encoded), &values); err != nil {
		return nil, errors.Wrapf(err, "decoding key %q", encoded)
	}
	key := make([]any, len(values))
	for i, value := range values {
		v, err := value.Interface()
		if err != nil {
			return nil, errors.WithMessagef(err, "key element #%d", i)
		}
		key[i] = v
	}
	return key, nil
}

// encodedConfig is the persisted form of a kernels.Config. The
// launch-resource hints are stored normalized (defaults applied) so a row's
// meaning doesn't shift if the in-code defaults ever change.
type encodedConfig struct {
	Constants map[string]Value `json:"constants"`
	Warps     int              `json:"warps"`
	Stages    int              `json:"stages"`
	CTAs      int              `json:"ctas"`
	FPFusion  bool             `json:"fp_fusion"`
}

// row is one table line: schema version, canonical key and config.
type row struct {
	V      int             `json:"v"`
	Key    json.RawMessage `json:"key"`
	Config encodedConfig   `json:"config"`
}

func encodeConfig(cfg *kernels.Config) (encodedConfig, error) {
	out := encodedConfig{
		Constants: make(map[string]Value, len(cfg.Constants)),
		Warps:     cfg.NumWarps(),
		Stages:    cfg.NumStages(),
		CTAs:      cfg.NumCTAs(),
		FPFusion:  cfg.FPFusion,
	}
	for name, v := range cfg.Constants {
		value, err := ValueOf(v)
		if err != nil {
			return encodedConfig{}, errors.WithMessagef(err, "constant %q", name)
		}
		out.Constants[name] = value
	}
	return out, nil
}

func decodeConfig(e encodedConfig) (*kernels.Config, error) {
	cfg := &kernels.Config{
		Constants: make(kernels.Constants, len(e.Constants)),
		Warps:     e.Warps,
		Stages:    e.Stages,
		CTAs:      e.CTAs,
		FPFusion:  e.FPFusion,
	}
	for name, value := range e.Constants {
		v, err := value.Interface()
		if err != nil {
			return nil, errors.WithMessagef(err, "constant %q", name)
		}
		cfg.Constants[name] = v
	}
	return cfg, nil
}

func encodeRow(key string, cfg *kernels.Config) ([]byte, error) {
	eCfg, err := encodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(row{V: SchemaVersion, Key: json.RawMessage(key), Config: eCfg})
	if err != nil {
		return nil, errors.Wrap(err, "encoding row")
	}
	return data, nil
}

// decodeRow parses one table line into (canonical key, config).
func decodeRow(line []byte) (string, *kernels.Config, error) {
	var r row
	if err := json.Unmarshal(line, &r); err != nil {
		return "", nil, errors.Wrap(err, "unparseable row")
	}
	if r.V != SchemaVersion {
		return "", nil, errors.Errorf("unsupported row version %d (want %d)", r.V, SchemaVersion)
	}
	// Re-encode the key canonically: the raw bytes may carry whitespace or
	// field-order differences if the file was edited by hand.
	decoded, err := DecodeKey(string(r.Key))
	if err != nil {
		return "", nil, err
	}
	key, err := EncodeKey(decoded)
	if err != nil {
		return "", nil, err
	}
	cfg, err := decodeConfig(r.Config)
	if err != nil {
		return "", nil, err
	}
	return key, cfg, nil
}
