// SPDX-License-Identifier: Apache-2.0

// Package defaults applies struct-tag defaults to the load specification
// via creasty/defaults, plus the handful of derived defaults that aren't
// expressible as a static tag value.
package defaults

import (
	"github.com/creasty/defaults"
)

const (
	// DefaultBatchRows is the batch-rows cap used when a table omits one.
	DefaultBatchRows = 5000
	// DefaultBatchBytes is the batch-bytes cap used when a table omits one.
	DefaultBatchBytes = 4 * 1024 * 1024
	// DefaultConcurrentBatches is the bounded queue depth used when a table
	// omits one.
	DefaultConcurrentBatches = 4
)

// Apply sets every zero-valued field of v tagged `default:"..."` (see
// github.com/creasty/defaults), recursing into nested structs and slices.
func Apply(v interface{}) error {
	return defaults.Set(v)
}

// IndexWorkers returns the index-kernel pool size for a run: the maximum
// number of indexes declared on any one table, with a floor of 1 so a
// schema with no indexes at all still gets a single idle worker.
func IndexWorkers(maxIndexesPerTable int) int {
	if maxIndexesPerTable < 1 {
		return 1
	}
	return maxIndexesPerTable
}
