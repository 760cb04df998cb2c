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

package llms

import "strings"

// pricing is USD per million tokens (input, output). Matched by model
// name prefix, longest prefix wins. Unknown models cost zero.
var pricing = map[string][2]float64{
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4o":        {2.50, 10.00},
	"gpt-4.1-mini":  {0.40, 1.60},
	"gpt-4.1-nano":  {0.10, 0.40},
	"gpt-4.1":       {2.00, 8.00},
	"o3-mini":       {1.10, 4.40},
	"o4-mini":       {1.10, 4.40},
	"mistral-small": {0.10, 0.30},
	"mistral-large": {2.00, 6.00},
}

// EstimateCost computes the cost of one call from its usage.
func EstimateCost(model string, usage Usage) float64 {
	var best string
	for prefix := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	rates := pricing[best]
	return float64(usage.InputTokens)/1e6*rates[0] + float64(usage.OutputTokens)/1e6*rates[1]
}
