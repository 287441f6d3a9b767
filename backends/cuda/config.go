// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cuda

import (
	"strconv"
	"strings"

	"github.com/gomlx/cudnnbn/backends"
	"github.com/pkg/errors"
)

type deviceConfig struct {
	deviceNum      int
	parallelism    int
	parallelismSet bool
}

// parseConfig parses the comma-separated "key=value" options of the device. See package documentation.
func parseConfig(config string) (cfg deviceConfig, err error) {
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return cfg, errors.Wrapf(backends.ErrConfiguration, "cuda config %q: option %q is not in the form key=value",
				config, part)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		var number int
		number, err = strconv.Atoi(value)
		if err != nil {
			return cfg, errors.Wrapf(backends.ErrConfiguration, "cuda config %q: option %q requires an integer, got %q",
				config, key, value)
		}
		switch key {
		case "device":
			if number < 0 {
				return cfg, errors.Wrapf(backends.ErrConfiguration, "cuda config %q: negative device number %d",
					config, number)
			}
			cfg.deviceNum = number
		case "parallelism":
			cfg.parallelism = number
			cfg.parallelismSet = true
		default:
			return cfg, errors.Wrapf(backends.ErrConfiguration, "cuda config %q: unknown option %q", config, key)
		}
	}
	return cfg, nil
}
