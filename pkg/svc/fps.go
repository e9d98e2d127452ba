// Copyright 2023 LiveKit, Inc.
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

package svc

import "fmt"

const fullFpsAllocation = uint8(255)

// GetFpsAllocation returns, per temporal layer, the fraction of the full frame
// rate (out of 255) achieved when decoding up to and including that layer.
func GetFpsAllocation(numTemporalLayers int) []uint8 {
	if numTemporalLayers < 1 || numTemporalLayers > MaxTemporalLayers {
		panic(fmt.Sprintf("unsupported number of temporal layers: %d", numTemporalLayers))
	}

	allocation := make([]uint8, numTemporalLayers)
	allocation[numTemporalLayers-1] = fullFpsAllocation
	divisor := 2
	for i := numTemporalLayers - 2; i >= 0; i-- {
		allocation[i] = uint8((int(fullFpsAllocation) + 1) / divisor)
		divisor *= 2
	}
	return allocation
}
