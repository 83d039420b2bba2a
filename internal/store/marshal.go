package store

import (
	"fmt"

	"github.com/driftlab/drift/internal/crdt"
)

// marshalOp renders an op as its canonical-JSON envelope plus the
// content-addressed id derived from it. The envelope is the stored
// truth; the key columns are extracted from the op separately.
func marshalOp(op crdt.Op) (payload, opID string, err error) {
	data, err := crdt.MarshalOp(op)
	if err != nil {
		return "", "", fmt.Errorf("marshal op: %w", err)
	}
	// Hash the bytes we are about to store so the id always matches
	// what crdt.OpID would compute for the decoded op.
	return string(data), crdt.DomainHash(crdt.DomainOp, data), nil
}

// unmarshalOp decodes a stored envelope. Decode failures are corruption:
// the row passed SQL but not the op codec.
func unmarshalOp(payload string) (crdt.Op, error) {
	op, err := crdt.UnmarshalOp([]byte(payload))
	if err != nil {
		return crdt.Op{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return op, nil
}

// marshalVector converts a state vector to canonical JSON TEXT.
// Canonical form keeps snapshot rows byte-comparable across nodes.
func marshalVector(vector map[crdt.Actor]int64) (string, error) {
	obj := make(crdt.Object, len(vector))
	for actor, clock := range vector {
		obj[string(actor)] = crdt.Int(clock)
	}
	data, err := crdt.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal vector: %w", err)
	}
	return string(data), nil
}

// unmarshalVector parses canonical JSON TEXT to a state vector.
func unmarshalVector(data string) (map[crdt.Actor]int64, error) {
	sc, err := crdt.UnmarshalScalar([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrCorrupt, err)
	}
	obj, ok := sc.(crdt.Object)
	if !ok {
		return nil, fmt.Errorf("%w: state vector is not an object", ErrCorrupt)
	}
	vector := make(map[crdt.Actor]int64, len(obj))
	for actor, raw := range obj {
		clock, ok := raw.(crdt.Int)
		if !ok {
			return nil, fmt.Errorf("%w: state vector entry %q is not an integer", ErrCorrupt, actor)
		}
		vector[crdt.Actor(actor)] = int64(clock)
	}
	return vector, nil
}
