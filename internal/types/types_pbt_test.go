package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBlockRangeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Property: a window built from a start and a non-negative span has that many blocks
	properties.Property("size matches span", prop.ForAll(
		func(from uint64, span uint64) bool {
			r := BlockRange{From: from, To: from + span}
			return !r.Empty() && r.Size() == span+1
		},
		gen.UInt64Range(0, 1<<40),
		gen.UInt64Range(0, 1<<20),
	))

	properties.TestingRun(t)
}
