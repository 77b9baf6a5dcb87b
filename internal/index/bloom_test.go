// Copyright 2025 IndexFS Authors
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

package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBloomNoFalseNegatives(t *testing.T) {
	t.Parallel()

	bf := NewBloomFilter(10000, 0.01)
	for i := 0; i < 10000; i++ {
		bf.Add(fmt.Sprintf("token-%d", i))
	}
	for i := 0; i < 10000; i++ {
		assert.True(t, bf.MayContain(fmt.Sprintf("token-%d", i)))
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	t.Parallel()

	const n = 10000
	bf := NewBloomFilter(n, 0.01)
	for i := 0; i < n; i++ {
		bf.Add(fmt.Sprintf("present-%d", i))
	}

	hits := 0
	for i := 0; i < n; i++ {
		if bf.MayContain(fmt.Sprintf("absent-%d", i)) {
			hits++
		}
	}
	// Allow generous slack over the configured 1% target.
	assert.Less(t, float64(hits)/n, 0.03)
}

func TestBloomCloneIsIndependent(t *testing.T) {
	t.Parallel()

	bf := NewBloomFilter(100, 0.01)
	bf.Add("alpha")

	clone := bf.Clone()
	bf.Add("beta")

	require.True(t, clone.MayContain("alpha"))
	assert.False(t, clone.MayContain("beta"))
}
