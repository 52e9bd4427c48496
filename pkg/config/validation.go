// Copyright 2018 The Kura Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kurafs/fusekit/pkg/fuse/fs"
	"github.com/kurafs/fusekit/pkg/log"
)

var validate = validator.New()

// Validate checks cfg against its struct tags and the rules tags cannot
// express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if _, err := log.ParseMode(cfg.Log.Mode); err != nil {
		return fmt.Errorf("log.mode: %v", err)
	}

	known := fs.SignalNames()
	for i, name := range cfg.Server.Signals {
		name = strings.TrimPrefix(strings.ToUpper(name), "SIG")
		if j := sort.SearchStrings(known, name); j == len(known) || known[j] != name {
			return fmt.Errorf("server.signals[%d]: unknown signal %q", i, cfg.Server.Signals[i])
		}
	}

	if cfg.FS.Type != "kvfs" && cfg.FS.Passphrase != "" {
		return errors.New("fs.passphrase: only kvfs blocks are sealed")
	}
	return nil
}

// formatValidationError reports the first failed tag with its location.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
