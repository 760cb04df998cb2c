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

package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/store"
)

// treeExport is the persisted form of a tree. The graph itself is not
// serialised: branchInit names the builder that reconstructs it, and
// toolNames records what was attached so missing tools can be warned
// about on import.
type treeExport struct {
	UserID                string           `json:"userId"`
	ConversationID        string           `json:"conversationId"`
	Title                 string           `json:"title"`
	BranchInit            string           `json:"branchInit"`
	UseManagedCollections bool             `json:"use_managed_collections"`
	TreeIndex             int              `json:"treeIndex"`
	TreeData              json.RawMessage  `json:"treeData"`
	Settings              json.RawMessage  `json:"settings"`
	ToolNames             []string         `json:"toolNames"`
	FrontendRebuild       []event.Envelope `json:"frontendRebuild"`
}

// ExportJSON serialises the tree to a single JSON blob.
func (t *Tree) ExportJSON() ([]byte, error) {
	data, err := json.Marshal(t.data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise tree data: %w", err)
	}
	settings, err := json.Marshal(t.settings)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise settings: %w", err)
	}
	toolNames := make([]string, 0, len(t.tools))
	for _, opt := range t.walkToolOrder() {
		toolNames = append(toolNames, opt)
	}
	return json.Marshal(treeExport{
		UserID:                t.userID,
		ConversationID:        t.conversationID,
		Title:                 t.title,
		BranchInit:            t.branchInit,
		UseManagedCollections: t.useManagedCollections,
		TreeIndex:             t.treeIndex,
		TreeData:              data,
		Settings:              settings,
		ToolNames:             toolNames,
		FrontendRebuild:       t.returner.Transcript(),
	})
}

// walkToolOrder lists tool names in deterministic tree order.
func (t *Tree) walkToolOrder() []string {
	var names []string
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		node := t.nodes[id]
		if node == nil || seen[id] {
			return
		}
		seen[id] = true
		for _, opt := range node.Options() {
			if opt.Action != nil && t.tools[opt.ID] != nil {
				names = append(names, opt.ID)
			}
			if opt.NextID != "" {
				walk(opt.NextID)
			}
		}
	}
	walk(t.rootID)
	return names
}

// ImportJSON rehydrates a tree: the graph is rebuilt with the exported
// branch initialisation, then the tree data, settings, title and
// frontend transcript are restored. Tools named in the export but
// absent from the registry cause a warning, not a failure.
func ImportJSON(data []byte, registry map[string]Tool, opts ...Opt) (*Tree, error) {
	var export treeExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse exported tree: %w", err)
	}

	settings, err := settingsFromJSON(export.Settings)
	if err != nil {
		return nil, err
	}

	opts = append([]Opt{WithBranchInit(export.BranchInit)}, opts...)
	t, err := New(export.UserID, export.ConversationID, settings, opts...)
	if err != nil {
		return nil, err
	}
	t.title = export.Title
	t.useManagedCollections = export.UseManagedCollections
	t.treeIndex = export.TreeIndex

	if builder := builders[export.BranchInit]; builder != nil {
		if err := builder(t, registry); err != nil {
			return nil, err
		}
	}
	for _, name := range export.ToolNames {
		if _, attached := t.tools[name]; attached {
			continue
		}
		tl, known := registry[name]
		if !known {
			slog.Warn("persisted tree names a tool missing from the registry", "tool", name)
			continue
		}
		if err := t.AddTool(tl, ""); err != nil {
			return nil, err
		}
	}

	if len(export.TreeData) > 0 {
		restored := t.data
		if err := json.Unmarshal(export.TreeData, restored); err != nil {
			return nil, fmt.Errorf("failed to restore tree data: %w", err)
		}
	}
	t.returner.RestoreTranscript(export.FrontendRebuild)
	return t, nil
}

// ExportToStore persists the tree into a collection with the schema
// {user_id, conversation_id, tree, title}. An empty collection name
// uses the reserved trees collection.
func (t *Tree) ExportToStore(ctx context.Context, collection string) error {
	if t.pool == nil {
		return fmt.Errorf("no store configured")
	}
	if collection == "" {
		collection = store.TreesCollection
	}
	blob, err := t.ExportJSON()
	if err != nil {
		return err
	}
	lease, err := t.pool.AcquireBackground(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return lease.Client().Insert(ctx, collection, []store.Object{{
		"user_id":         t.userID,
		"conversation_id": t.conversationID,
		"tree":            string(blob),
		"title":           t.title,
	}})
}

// ImportFromStore loads the persisted tree of a conversation.
func ImportFromStore(ctx context.Context, client store.Client, collection, userID, conversationID string, registry map[string]Tool, opts ...Opt) (*Tree, error) {
	if collection == "" {
		collection = store.TreesCollection
	}
	resp, err := client.Query(ctx, store.QueryRequest{
		Collection: collection,
		Type:       store.QueryFilter,
		Limit:      1,
		Filters: map[string]any{
			"user_id":         userID,
			"conversation_id": conversationID,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Objects) == 0 {
		return nil, fmt.Errorf("no persisted tree for conversation %q", conversationID)
	}
	blob, _ := resp.Objects[0]["tree"].(string)
	if blob == "" {
		return nil, fmt.Errorf("persisted tree for conversation %q is empty", conversationID)
	}
	return ImportJSON([]byte(blob), registry, opts...)
}
