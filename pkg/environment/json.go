// Copyright 2025 Kadir Pekel
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

package environment

import "encoding/json"

type environmentJSON struct {
	Store  map[string]map[string][]*ResultBlock `json:"environment"`
	Hidden map[string]any                       `json:"hidden_environment"`
}

// MarshalJSON serialises the environment including hidden entries.
func (e *Environment) MarshalJSON() ([]byte, error) {
	return json.Marshal(environmentJSON{
		Store:  e.store,
		Hidden: e.hidden,
	})
}

// UnmarshalJSON restores the environment and rebuilds the dedup index
// and block counters from the stored blocks.
func (e *Environment) UnmarshalJSON(data []byte) error {
	var raw environmentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.store = raw.Store
	if e.store == nil {
		e.store = map[string]map[string][]*ResultBlock{}
	}
	e.hidden = raw.Hidden
	if e.hidden == nil {
		e.hidden = map[string]any{}
	}
	e.rebuildSeen()
	return nil
}

func (e *Environment) rebuildSeen() {
	e.seen = map[string]map[string]string{}
	e.nextBlock = map[string]int{}
	for toolName, results := range e.store {
		for resultName, blocks := range results {
			key := toolName + "/" + resultName
			e.seen[key] = map[string]string{}
			for _, block := range blocks {
				if block.Index >= e.nextBlock[key] {
					e.nextBlock[key] = block.Index + 1
				}
				for _, obj := range block.Objects {
					if _, dup := obj[DuplicateKey]; dup {
						continue
					}
					refID, _ := obj[RefIDKey].(string)
					e.seen[key][contentHash(obj)] = refID
				}
			}
		}
	}
}

// PromptJSON renders the visible environment (hidden entries excluded)
// for inclusion in a decision prompt.
func (e *Environment) PromptJSON() (string, error) {
	data, err := json.MarshalIndent(e.store, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
