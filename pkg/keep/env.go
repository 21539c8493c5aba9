// Copyright 2026 The sallyvm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keep

import (
	"fmt"
	"strings"
)

// ExecEnv builds the guest-visible environment describing the pre-opened
// file descriptors: an aggregate FD_COUNT, the colon-joined FD_NAMES, and
// one FD_NAME_<i> entry per descriptor. This is the only interface the
// keep exposes to whatever loads the guest workload.
func ExecEnv(fdNames []string) ([]string, error) {
	env := make([]string, 0, len(fdNames)+2)
	for i, name := range fdNames {
		if strings.ContainsAny(name, ":=") || name == "" {
			return nil, fmt.Errorf("invalid fd name %q at descriptor %d", name, i)
		}
		env = append(env, fmt.Sprintf("FD_NAME_%d=%s", i, name))
	}
	env = append(env,
		fmt.Sprintf("FD_COUNT=%d", len(fdNames)),
		"FD_NAMES="+strings.Join(fdNames, ":"))
	return env, nil
}
