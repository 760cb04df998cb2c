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
	"fmt"
)

// Option is one labelled choice at a decision node. An option with a
// nil Action is a sub-branch; with a non-nil Action it is a tool. Both
// are set only when the tool is stemmed, making the stem node a
// post-execution decision point.
type Option struct {
	ID          string
	Description string
	// Action is nil for pure sub-branches.
	Action Tool
	// End flags options whose completion ends the conversation.
	End    bool
	Status string
	// NextID names the child node, by id rather than pointer so the
	// graph stays an arena-addressed DAG.
	NextID string
}

// DecisionNode is one choice point in the tree. Options are kept in
// insertion order; the order is visible to the model and to the
// exported shape.
type DecisionNode struct {
	ID          string
	Instruction string
	Root        bool

	options map[string]*Option
	order   []string
}

func newNode(id, instruction string, root bool) *DecisionNode {
	return &DecisionNode{
		ID:          id,
		Instruction: instruction,
		Root:        root,
		options:     map[string]*Option{},
	}
}

// Option returns the named option, or nil.
func (n *DecisionNode) Option(id string) *Option {
	return n.options[id]
}

// Options returns the options in insertion order.
func (n *DecisionNode) Options() []*Option {
	out := make([]*Option, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.options[id])
	}
	return out
}

func (n *DecisionNode) addOption(opt *Option) error {
	if _, exists := n.options[opt.ID]; exists {
		return fmt.Errorf("node %q already has an option %q", n.ID, opt.ID)
	}
	n.options[opt.ID] = opt
	n.order = append(n.order, opt.ID)
	return nil
}

func (n *DecisionNode) removeOption(id string) bool {
	if _, exists := n.options[id]; !exists {
		return false
	}
	delete(n.options, id)
	for i, existing := range n.order {
		if existing == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return true
}

// Empty reports whether the node offers no options.
func (n *DecisionNode) Empty() bool { return len(n.order) == 0 }

// Decision is the structured choice produced for one node, either by
// the model or synthetically.
type Decision struct {
	FunctionName   string         `json:"function_name"`
	FunctionInputs map[string]any `json:"function_inputs"`
	Reasoning      string         `json:"reasoning"`
	Impossible     bool           `json:"impossible"`
	EndActions     bool           `json:"end_actions"`
	MessageUpdate  string         `json:"message_update"`
}

// ErrNoToolsAvailable reports a decision node whose every option is
// unavailable at runtime. Fatal for the current prompt.
type ErrNoToolsAvailable struct {
	NodeID string
}

func (e *ErrNoToolsAvailable) Error() string {
	return fmt.Sprintf("no tools available at node %q", e.NodeID)
}
