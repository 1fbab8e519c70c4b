// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelkit/kernels"
	"github.com/pkg/errors"
)

// ParseConstants parses compile-time constants from a flag value: a list of
// "<name>=<value>" settings separated by ";", e.g. "TILE=128;APPROX=true".
//
// Value types are inferred: "true"/"false" parse as bool, integers (with
// optional "_" separators, so 1_048_576 works) as int, other numbers as
// float64, element-type names ("float32", "BFloat16", ...) as dtypes.DType
// and anything else stays a string.
func ParseConstants(settings string) (kernels.Constants, error) {
	constants := kernels.Constants{}
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		name, value, err := parseConstantSetting(setting)
		if err != nil {
			return nil, err
		}
		constants[name] = value
	}
	return constants, nil
}

// ParseConfigs parses autotuning candidate configurations from a flag value:
// configurations separated by ";", each a ","-separated list of
// "<name>=<value>" constants, e.g. "TILE=128,num_warps=4;TILE=256,num_warps=8".
//
// The reserved launch-resource hints (num_warps, num_stages, num_ctas,
// enable_fp_fusion) land on the configuration itself rather than among its
// constants.
func ParseConfigs(settings string) ([]*kernels.Config, error) {
	var configs []*kernels.Config
	for _, one := range strings.Split(settings, ";") {
		one = strings.TrimSpace(one)
		if one == "" {
			continue
		}
		cfg := kernels.NewConfig(kernels.Constants{})
		for _, setting := range strings.Split(one, ",") {
			setting = strings.TrimSpace(setting)
			if setting == "" {
				continue
			}
			name, value, err := parseConstantSetting(setting)
			if err != nil {
				return nil, errors.WithMessagef(err, "in candidate configuration %q", one)
			}
			if err = applyConfigSetting(cfg, name, value); err != nil {
				return nil, errors.WithMessagef(err, "in candidate configuration %q", one)
			}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func parseConstantSetting(setting string) (name string, value any, err error) {
	name, valueStr, found := strings.Cut(setting, "=")
	if !found || name == "" {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<name>=<value>\"",
			setting)
		return
	}
	value = parseConstantValue(valueStr)
	return
}

func parseConstantValue(valueStr string) any {
	switch valueStr {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(strings.ReplaceAll(valueStr, "_", ""), 0, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return f
	}
	if dtype, err := dtypes.DTypeString(valueStr); err == nil {
		return dtype
	}
	return valueStr
}

func applyConfigSetting(cfg *kernels.Config, name string, value any) error {
	switch name {
	case kernels.ConstNumWarps, kernels.ConstNumStages, kernels.ConstNumCTAs:
		hint, ok := value.(int)
		if !ok || hint <= 0 {
			return errors.Errorf("hint %q requires a positive integer, got %v", name, value)
		}
		switch name {
		case kernels.ConstNumWarps:
			cfg.WithWarps(hint)
		case kernels.ConstNumStages:
			cfg.WithStages(hint)
		case kernels.ConstNumCTAs:
			cfg.WithCTAs(hint)
		}
	case kernels.ConstEnableFPFusion:
		enabled, ok := value.(bool)
		if !ok {
			return errors.Errorf("hint %q requires true or false, got %v", name, value)
		}
		cfg.WithFPFusion(enabled)
	default:
		cfg.Constants[name] = value
	}
	return nil
}
