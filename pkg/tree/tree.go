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

// Package tree implements the decision-tree orchestrator: a graph of
// decision nodes and tools walked once per decision turn, with the
// model choosing an option at each node until an end condition or the
// recursion limit is reached.
package tree

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/trellis/pkg/config"
	"github.com/kadirpekel/trellis/pkg/event"
	"github.com/kadirpekel/trellis/pkg/llms"
	"github.com/kadirpekel/trellis/pkg/state"
	"github.com/kadirpekel/trellis/pkg/store"
	"github.com/kadirpekel/trellis/pkg/tool"
	"github.com/kadirpekel/trellis/pkg/tracker"
)

// Tool is re-exported for call sites that only import tree.
type Tool = tool.Tool

// Tree owns the node graph and drives the decision loop for one
// conversation. A tree is not safe for concurrent Runs; trees of
// different conversations may run in parallel and share a store pool.
type Tree struct {
	userID         string
	conversationID string
	title          string
	branchInit     string
	// useManagedCollections marks trees whose collections were created
	// by the preprocessing job rather than brought by the caller.
	useManagedCollections bool

	nodes  map[string]*DecisionNode
	rootID string
	tools  map[string]Tool

	data     *state.TreeData
	settings *config.Settings

	baseLM    llms.Provider
	complexLM llms.Provider

	pool     *store.Pool
	returner *event.Returner
	tracker  *tracker.Tracker

	trainingUpdates []*event.TrainingUpdate
	// queryIDs maps each submitted prompt to its query id.
	queryIDs map[string]string
	// history keeps a serialised snapshot of the tree data per query.
	history map[string]string
	// treeIndex counts decision turns across the conversation for the
	// frontend tree view.
	treeIndex int
}

// Opt configures a Tree at construction.
type Opt func(*Tree)

// WithAtlas sets the persona guidance. The environment's self-info
// slot is preloaded from the agent description, so the data is rebuilt.
func WithAtlas(atlas state.Atlas) Opt {
	return func(t *Tree) { t.data = state.New(t.data.Settings, atlas) }
}

// WithPool shares an existing store pool instead of building one from
// the settings.
func WithPool(pool *store.Pool) Opt {
	return func(t *Tree) { t.pool = pool }
}

// WithRecursionLimit overrides the per-prompt traversal budget.
func WithRecursionLimit(limit int) Opt {
	return func(t *Tree) {
		if limit > 0 {
			t.data.RecursionLimit = limit
		}
	}
}

// WithBranchInit records which builder shaped the initial graph, so a
// persisted tree can be rebuilt the same way.
func WithBranchInit(name string) Opt {
	return func(t *Tree) { t.branchInit = name }
}

// WithManagedCollections marks the tree's collections as owned by the
// preprocessing job.
func WithManagedCollections() Opt {
	return func(t *Tree) { t.useManagedCollections = true }
}

// WithProviders injects pre-built model providers, overriding the ones
// derived from settings. Used by tests and embedders.
func WithProviders(base, complex llms.Provider) Opt {
	return func(t *Tree) {
		t.baseLM = base
		t.complexLM = complex
	}
}

// New creates an empty tree for one conversation. Model providers are
// derived from the settings when configured; the store pool likewise.
func New(userID, conversationID string, settings *config.Settings, opts ...Opt) (*Tree, error) {
	if settings == nil {
		settings = &config.Settings{}
		settings.SetDefaults()
	}
	t := &Tree{
		userID:         userID,
		conversationID: conversationID,
		branchInit:     "empty",
		nodes:          map[string]*DecisionNode{},
		tools:          map[string]Tool{},
		data:           state.New(settings, state.Atlas{}),
		settings:       settings.Clone(),
		returner:       event.NewReturner(userID, conversationID),
		tracker:        tracker.New(),
		queryIDs:       map[string]string{},
		history:        map[string]string{},
	}
	for _, opt := range opts {
		opt(t)
	}

	var err error
	if t.baseLM == nil && t.settings.BaseConfigured() {
		t.baseLM, err = llms.New(t.settings.BaseProvider, t.settings.BaseModel,
			t.settings.APIKey(t.settings.BaseProvider), t.settings.ModelAPIBase)
		if err != nil {
			return nil, err
		}
	}
	if t.complexLM == nil && t.settings.ComplexConfigured() {
		t.complexLM, err = llms.New(t.settings.ComplexProvider, t.settings.ComplexModel,
			t.settings.APIKey(t.settings.ComplexProvider), t.settings.ModelAPIBase)
		if err != nil {
			return nil, err
		}
	}
	if t.pool == nil && t.settings.StoreConfigured() {
		t.pool = store.NewPoolFor(t.settings.WCDUrl, t.settings.WCDAPIKey, nil,
			t.settings.ClientTimeoutDuration())
	}
	return t, nil
}

// Accessors used by embedders and tests.

func (t *Tree) UserID() string            { return t.userID }
func (t *Tree) ConversationID() string    { return t.conversationID }
func (t *Tree) Title() string             { return t.title }
func (t *Tree) Data() *state.TreeData     { return t.data }
func (t *Tree) Returner() *event.Returner { return t.returner }
func (t *Tree) Tracker() *tracker.Tracker { return t.tracker }
func (t *Tree) Root() *DecisionNode       { return t.nodes[t.rootID] }

// Node returns the named decision node, or nil.
func (t *Tree) Node(id string) *DecisionNode { return t.nodes[id] }

// TrainingUpdates returns the decisions captured so far for feedback.
func (t *Tree) TrainingUpdates() []*event.TrainingUpdate {
	out := make([]*event.TrainingUpdate, len(t.trainingUpdates))
	copy(out, t.trainingUpdates)
	return out
}

// BranchConfig describes one AddBranch call.
type BranchConfig struct {
	ID          string
	Instruction string
	// Description is required for non-root branches; it is what the
	// model sees when deciding whether to descend.
	Description string
	Root        bool
	// FromBranch names the parent branch. Empty for root branches.
	FromBranch string
	// FromTools optionally stems the branch after a tool path inside
	// FromBranch.
	FromTools []string
	Status    string
}

// AddBranch adds a decision node. Declaring Root while a root exists
// replaces it; the old root is removed.
func (t *Tree) AddBranch(cfg BranchConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("branch id is required")
	}
	if _, exists := t.nodes[cfg.ID]; exists {
		return fmt.Errorf("branch %q already exists", cfg.ID)
	}
	if !cfg.Root {
		if cfg.Description == "" {
			return fmt.Errorf("non-root branch %q needs a description", cfg.ID)
		}
		if cfg.FromBranch == "" {
			return fmt.Errorf("non-root branch %q needs a parent branch", cfg.ID)
		}
	}

	node := newNode(cfg.ID, cfg.Instruction, cfg.Root)
	t.nodes[cfg.ID] = node

	if cfg.Root {
		if t.rootID != "" && t.rootID != cfg.ID {
			old := t.rootID
			t.removeNodeTree(old)
			slog.Warn("replaced tree root", "old", old, "new", cfg.ID)
		}
		t.rootID = cfg.ID
		return nil
	}

	parent, err := t.resolveAttachPoint(cfg.FromBranch, cfg.FromTools)
	if err != nil {
		delete(t.nodes, cfg.ID)
		return err
	}
	return parent.addOption(&Option{
		ID:          cfg.ID,
		Description: cfg.Description,
		Status:      cfg.Status,
		NextID:      cfg.ID,
	})
}

// AddTool registers a tool and attaches it to a branch. A non-empty
// fromTools path stems the tool: a synthetic decision node named
// {branchID}.{from1}.{...} is created after the named tool path and the
// tool becomes one of its options.
func (t *Tree) AddTool(tl Tool, branchID string, fromTools ...string) error {
	meta := tl.Describe()
	if meta.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := t.tools[meta.Name]; exists {
		return fmt.Errorf("duplicate tool name %q", meta.Name)
	}

	if branchID == "" {
		if t.rootID == "" {
			base := newNode("base", "Choose the next action that makes progress on the user's prompt.", true)
			t.nodes[base.ID] = base
			t.rootID = base.ID
		}
		branchID = t.rootID
	}
	if _, exists := t.nodes[branchID]; !exists {
		return fmt.Errorf("branch %q does not exist", branchID)
	}

	target, err := t.resolveAttachPoint(branchID, fromTools)
	if err != nil {
		return err
	}
	if err := target.addOption(&Option{
		ID:          meta.Name,
		Description: meta.Description,
		Action:      tl,
		End:         meta.EndsConversation,
		Status:      meta.Status,
	}); err != nil {
		return err
	}
	t.tools[meta.Name] = tl
	return nil
}

// resolveAttachPoint walks a fromTools path under branchID, creating
// the synthetic stem nodes along the way.
func (t *Tree) resolveAttachPoint(branchID string, fromTools []string) (*DecisionNode, error) {
	node, exists := t.nodes[branchID]
	if !exists {
		return nil, fmt.Errorf("branch %q does not exist", branchID)
	}
	if len(fromTools) == 0 {
		return node, nil
	}

	path := branchID
	for _, fromID := range fromTools {
		opt := node.Option(fromID)
		if opt == nil {
			return nil, fmt.Errorf("tool %q not found under %q", fromID, node.ID)
		}
		if opt.Action == nil {
			return nil, fmt.Errorf("%q under %q is a branch, not a tool", fromID, node.ID)
		}
		path = path + "." + fromID
		stem, exists := t.nodes[path]
		if !exists {
			stem = newNode(path, fmt.Sprintf("Decide what to do with the output of %s.", fromID), false)
			t.nodes[path] = stem
			opt.NextID = path
		}
		node = stem
	}
	return node, nil
}

// RemoveTool detaches a tool from a branch. Removing a stemmed tool
// cascades: its stem sub-tree is removed and the collaterally removed
// tools are returned alongside a warning.
func (t *Tree) RemoveTool(name, branchID string, fromTools ...string) ([]string, error) {
	if branchID == "" {
		branchID = t.rootID
	}
	node, err := t.resolveAttachPoint(branchID, fromTools)
	if err != nil {
		return nil, err
	}
	opt := node.Option(name)
	if opt == nil || opt.Action == nil {
		return nil, fmt.Errorf("tool %q not found under %q", name, node.ID)
	}

	var collateral []string
	if opt.NextID != "" {
		collateral = t.removeNodeTree(opt.NextID)
	}
	node.removeOption(name)
	delete(t.tools, name)
	if len(collateral) > 0 {
		slog.Warn("removing stemmed tool removed its sub-tree",
			"tool", name, "collateral", strings.Join(collateral, ", "))
	}
	return collateral, nil
}

// RemoveBranch removes a decision node and its entire sub-tree, along
// with the parent options that pointed at it.
func (t *Tree) RemoveBranch(id string) ([]string, error) {
	if _, exists := t.nodes[id]; !exists {
		return nil, fmt.Errorf("branch %q does not exist", id)
	}
	if id == t.rootID {
		return nil, fmt.Errorf("cannot remove the root branch")
	}
	removed := t.removeNodeTree(id)
	for _, node := range t.nodes {
		for _, optID := range append([]string(nil), node.order...) {
			if opt := node.Option(optID); opt != nil && opt.NextID == id {
				if opt.Action != nil {
					opt.NextID = ""
				} else {
					node.removeOption(optID)
				}
			}
		}
	}
	return removed, nil
}

// removeNodeTree deletes a node and everything reachable beneath it,
// returning the names of the tools removed along the way.
func (t *Tree) removeNodeTree(id string) []string {
	node, exists := t.nodes[id]
	if !exists {
		return nil
	}
	var removed []string
	for _, opt := range node.Options() {
		if opt.Action != nil {
			removed = append(removed, opt.ID)
			delete(t.tools, opt.ID)
		}
		if opt.NextID != "" && opt.NextID != id {
			removed = append(removed, t.removeNodeTree(opt.NextID)...)
		}
	}
	delete(t.nodes, id)
	if t.rootID == id {
		t.rootID = ""
	}
	return removed
}

// purgeEmptyBranches detaches branches whose option map is empty. Runs
// at the start of each prompt. An empty root is an error when it is the
// only node left.
func (t *Tree) purgeEmptyBranches() error {
	for {
		purged := false
		for id, node := range t.nodes {
			if !node.Empty() {
				continue
			}
			if id == t.rootID {
				if len(t.nodes) == 1 {
					return fmt.Errorf("the root branch has no options")
				}
				continue
			}
			delete(t.nodes, id)
			for _, parent := range t.nodes {
				for _, optID := range append([]string(nil), parent.order...) {
					if opt := parent.Option(optID); opt != nil && opt.NextID == id {
						if opt.Action != nil {
							opt.NextID = ""
						} else {
							parent.removeOption(optID)
						}
					}
				}
			}
			purged = true
		}
		if !purged {
			return nil
		}
	}
}

// Shape is the deterministic read-only rendering of the graph. Field
// order is fixed by the struct so repeated exports of an unchanged tree
// are byte-identical.
type Shape struct {
	Name        string  `json:"name"`
	ID          string  `json:"id,omitempty"`
	Description string  `json:"description,omitempty"`
	Instruction string  `json:"instruction,omitempty"`
	Reasoning   string  `json:"reasoning,omitempty"`
	Branch      bool    `json:"branch"`
	Options     []Shape `json:"options,omitempty"`
}

// Shape renders the tree from the root.
func (t *Tree) Shape() Shape {
	if t.rootID == "" {
		return Shape{}
	}
	return t.shapeOf(t.rootID)
}

func (t *Tree) shapeOf(nodeID string) Shape {
	node := t.nodes[nodeID]
	if node == nil {
		return Shape{}
	}
	s := Shape{
		Name:        node.ID,
		ID:          node.ID,
		Instruction: node.Instruction,
		Branch:      true,
	}
	for _, opt := range node.Options() {
		child := Shape{
			Name:        opt.ID,
			ID:          opt.ID,
			Description: opt.Description,
		}
		if opt.NextID != "" {
			sub := t.shapeOf(opt.NextID)
			if opt.Action == nil {
				// Pure sub-branch: the child is the node itself.
				sub.Description = opt.Description
				child = sub
			} else {
				child.Options = sub.Options
			}
		}
		s.Options = append(s.Options, child)
	}
	return s
}
