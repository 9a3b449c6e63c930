// Package random provides seed generation and deterministic resolution of
// randomness placeholders. Randomness never flows into rule evaluation: every
// randomInt operation is resolved into a concrete set operation before the
// batch reaches the operation engine, so a later rule reads a stored value
// (roll-then-check).
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/arbitergames/arbiter-server-go/internal/ops"
)

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// ResolveOperations rewrites every randomInt placeholder in batch into a
// concrete set operation. Resolution is deterministic with respect to seed
// and the order of placeholders in the batch; all other operations pass
// through untouched. The input slice is not mutated.
func ResolveOperations(batch []ops.Operation, seed int64) ([]ops.Operation, error) {
	out := make([]ops.Operation, len(batch))
	rng := rand.New(rand.NewSource(seed))
	for i, op := range batch {
		if op.Kind != ops.KindRandomInt {
			out[i] = op
			continue
		}
		if op.Path == "" {
			return nil, fmt.Errorf("operation %d: randomInt requires a path", i)
		}
		if op.Max < op.Min {
			return nil, fmt.Errorf("operation %d: randomInt bounds [%d,%d] are inverted", i, op.Min, op.Max)
		}
		rolled := op.Min + rng.Intn(op.Max-op.Min+1)
		out[i] = ops.Set(op.Path, float64(rolled))
	}
	return out, nil
}
