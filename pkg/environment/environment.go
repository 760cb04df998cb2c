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

// Package environment accumulates tool outputs across decision turns.
//
// Outputs are keyed toolName -> resultName -> ordered result blocks.
// Every stored object receives a stable _REF_ID of the form
// {tool}_{name}_{blockIndex}_{objectIndex} so later prompts and the
// final answer can cite it. Objects that recur are stored as reference
// placeholders instead of duplicate payloads.
package environment

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/kadirpekel/trellis/pkg/event"
)

const (
	// RefIDKey is the reserved object key carrying the citation id.
	RefIDKey = "_REF_ID"

	// DuplicateKey marks a placeholder object and names the _REF_ID of
	// the original payload it stands in for.
	DuplicateKey = "_DUPLICATE_OF"

	// SelfInfoTool is the reserved slot pre-populated with the agent's
	// self-description. It is ignored by IsEmpty.
	SelfInfoTool = "SelfInfo"

	// SelfInfoName is the result name under the self-info slot.
	SelfInfoName = "generic"
)

// ResultBlock is one tool output: metadata plus an ordered object list.
// Index is the block's ref-id index; it is assigned once and survives
// removals of earlier blocks, so ref ids are never reassigned.
type ResultBlock struct {
	Metadata map[string]any   `json:"metadata"`
	Objects  []map[string]any `json:"objects"`
	Index    int              `json:"index"`
}

// Environment is the cross-turn memory of tool outputs.
type Environment struct {
	store  map[string]map[string][]*ResultBlock
	hidden map[string]any

	// seen maps (tool, name) to content-hash -> ref id for dedup.
	// Rebuilt on load, never serialised.
	seen map[string]map[string]string

	// nextBlock is the next ref-id block index per (tool, name).
	// Monotonic: Remove never decrements it, so a ref id handed out
	// once is never reused within the tree's lifetime.
	nextBlock map[string]int
}

// New creates an environment with the self-info slot pre-populated.
func New(selfDescription string) *Environment {
	env := &Environment{
		store:     map[string]map[string][]*ResultBlock{},
		hidden:    map[string]any{},
		seen:      map[string]map[string]string{},
		nextBlock: map[string]int{},
	}
	if selfDescription == "" {
		selfDescription = "An agent that decides which tools to use to answer a user prompt, " +
			"searching and aggregating over the connected collections."
	}
	env.append(SelfInfoTool, SelfInfoName, map[string]any{}, []map[string]any{
		{"description": selfDescription},
	})
	return env
}

// Add appends the result's objects as a new block under (toolName,
// result name). Results with zero objects are a no-op. Objects already
// present under the same key become reference placeholders.
func (e *Environment) Add(toolName string, result *event.Result) {
	if result == nil || len(result.Objects) == 0 {
		return
	}
	e.append(toolName, result.Name, result.Metadata, result.Objects)
}

func (e *Environment) append(toolName, resultName string, metadata map[string]any, objects []map[string]any) {
	if e.store[toolName] == nil {
		e.store[toolName] = map[string][]*ResultBlock{}
	}
	seenKey := toolName + "/" + resultName
	blockIndex := e.nextBlock[seenKey]
	e.nextBlock[seenKey] = blockIndex + 1
	if e.seen[seenKey] == nil {
		e.seen[seenKey] = map[string]string{}
	}

	stored := make([]map[string]any, 0, len(objects))
	for i, obj := range objects {
		refID := fmt.Sprintf("%s_%s_%d_%d", toolName, resultName, blockIndex, i)
		hash := contentHash(obj)
		if original, ok := e.seen[seenKey][hash]; ok {
			stored = append(stored, map[string]any{
				RefIDKey:     refID,
				DuplicateKey: original,
			})
			continue
		}
		e.seen[seenKey][hash] = refID

		withRef := make(map[string]any, len(obj)+1)
		for k, v := range obj {
			withRef[k] = v
		}
		withRef[RefIDKey] = refID
		stored = append(stored, withRef)
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	e.store[toolName][resultName] = append(e.store[toolName][resultName], &ResultBlock{
		Metadata: metadata,
		Objects:  stored,
		Index:    blockIndex,
	})
}

// Find returns all blocks under (toolName, resultName), or nil.
func (e *Environment) Find(toolName, resultName string) []*ResultBlock {
	if e.store[toolName] == nil {
		return nil
	}
	return e.store[toolName][resultName]
}

// FindBlock returns the block at index, or nil when out of range.
func (e *Environment) FindBlock(toolName, resultName string, index int) *ResultBlock {
	blocks := e.Find(toolName, resultName)
	if index < 0 || index >= len(blocks) {
		return nil
	}
	return blocks[index]
}

// Replace overwrites the object list of the block at index (or of every
// block when index is negative), re-assigning ref ids from the block's
// original index.
func (e *Environment) Replace(toolName, resultName string, objects []map[string]any, index int) error {
	blocks := e.Find(toolName, resultName)
	if blocks == nil {
		return fmt.Errorf("no environment entry for %s/%s", toolName, resultName)
	}

	replace := func(position int) {
		stored := make([]map[string]any, 0, len(objects))
		for i, obj := range objects {
			withRef := make(map[string]any, len(obj)+1)
			for k, v := range obj {
				withRef[k] = v
			}
			withRef[RefIDKey] = fmt.Sprintf("%s_%s_%d_%d", toolName, resultName, blocks[position].Index, i)
			stored = append(stored, withRef)
		}
		blocks[position].Objects = stored
	}

	if index < 0 {
		for i := range blocks {
			replace(i)
		}
		return nil
	}
	if index >= len(blocks) {
		return fmt.Errorf("block index %d out of range for %s/%s", index, toolName, resultName)
	}
	replace(index)
	return nil
}

// Remove deletes the block at index, or the whole (tool, name) entry
// when index is negative. Empty tool entries are pruned.
func (e *Environment) Remove(toolName, resultName string, index int) error {
	blocks := e.Find(toolName, resultName)
	if blocks == nil {
		return fmt.Errorf("no environment entry for %s/%s", toolName, resultName)
	}
	if index < 0 {
		delete(e.store[toolName], resultName)
	} else {
		if index >= len(blocks) {
			return fmt.Errorf("block index %d out of range for %s/%s", index, toolName, resultName)
		}
		e.store[toolName][resultName] = append(blocks[:index], blocks[index+1:]...)
		if len(e.store[toolName][resultName]) == 0 {
			delete(e.store[toolName], resultName)
		}
	}
	e.reindexSeen(toolName, resultName)
	if len(e.store[toolName]) == 0 {
		delete(e.store, toolName)
	}
	return nil
}

// reindexSeen rebuilds the dedup map for (toolName, resultName) from the
// surviving blocks, so removal of one block does not break dedup for the
// rest. Reference placeholders carry no content and are skipped.
func (e *Environment) reindexSeen(toolName, resultName string) {
	seenKey := toolName + "/" + resultName
	blocks := e.Find(toolName, resultName)
	if len(blocks) == 0 {
		delete(e.seen, seenKey)
		return
	}
	rebuilt := map[string]string{}
	for _, block := range blocks {
		for _, obj := range block.Objects {
			if _, isPlaceholder := obj[DuplicateKey]; isPlaceholder {
				continue
			}
			refID, _ := obj[RefIDKey].(string)
			rebuilt[contentHash(obj)] = refID
		}
	}
	e.seen[seenKey] = rebuilt
}

// IsEmpty reports whether no user-tool entries exist. The pre-populated
// self-info slot does not count.
func (e *Environment) IsEmpty() bool {
	for toolName, results := range e.store {
		if toolName == SelfInfoTool {
			continue
		}
		for _, blocks := range results {
			if len(blocks) > 0 {
				return false
			}
		}
	}
	return true
}

// Tools returns the tool names currently holding entries.
func (e *Environment) Tools() []string {
	names := make([]string, 0, len(e.store))
	for name := range e.store {
		names = append(names, name)
	}
	return names
}

// SetHidden stores an opaque value for inter-tool handoff. Hidden
// entries are never rendered into LM prompts.
func (e *Environment) SetHidden(key string, value any) {
	e.hidden[key] = value
}

// Hidden returns the hidden value for key, if any.
func (e *Environment) Hidden(key string) (any, bool) {
	v, ok := e.hidden[key]
	return v, ok
}

// RemoveHidden deletes a hidden entry.
func (e *Environment) RemoveHidden(key string) {
	delete(e.hidden, key)
}

// HiddenKeys lists the hidden entry keys.
func (e *Environment) HiddenKeys() []string {
	keys := make([]string, 0, len(e.hidden))
	for k := range e.hidden {
		keys = append(keys, k)
	}
	return keys
}

// contentHash produces a deterministic digest of an object, ignoring any
// previously assigned ref id. json.Marshal sorts map keys, which makes
// the encoding canonical for nested maps.
func contentHash(obj map[string]any) string {
	clean := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == RefIDKey {
			continue
		}
		clean[k] = v
	}
	data, err := json.Marshal(clean)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", clean))
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}
