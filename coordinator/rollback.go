package coordinator

import (
	"fmt"
	"regexp"

	"github.com/sharedcode/duet"
)

// identifierExpr is the shape entity and field names must have before they are
// interpolated into backend commands. Anything else is rejected up front.
var identifierExpr = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateIdentifiers(op duet.Operation) error {
	if !identifierExpr.MatchString(op.Entity) {
		return duet.Error{Code: duet.Validation, Err: fmt.Errorf("entity name %q is not a valid identifier", op.Entity)}
	}
	for k := range op.Key {
		if !identifierExpr.MatchString(k) {
			return duet.Error{Code: duet.Validation, Err: fmt.Errorf("key field %q on %s is not a valid identifier", k, op.Entity)}
		}
	}
	for k := range op.Values {
		if !identifierExpr.MatchString(k) {
			return duet.Error{Code: duet.Validation, Err: fmt.Errorf("value field %q on %s is not a valid identifier", k, op.Entity)}
		}
	}
	return nil
}

// RollbackDataGenerator derives the compensating operation of a write from the
// pre-image captured strictly before the write executes. The inverse of a
// create is a delete by key; the inverse of an update overwrites with the
// pre-image; the inverse of a delete re-inserts the pre-image.
//
// Inverse operations are built to be idempotent when compiled: applying one to
// a store the original write never reached leaves the store at its pre-state.
// Recovery relies on that, because a logged write may or may not have executed
// before a crash.
type RollbackDataGenerator struct{}

// Inverse returns the compensating operation for op given its captured
// pre-image. preImage is ignored for creates and required for updates and
// deletes; a missing pre-image means the operation referenced a row or node
// that does not exist, which is a Validation error.
func (RollbackDataGenerator) Inverse(op duet.Operation, preImage duet.Record) (duet.Operation, error) {
	switch op.Kind {
	case duet.OpCreate:
		if len(op.Key) == 0 {
			return duet.Operation{}, duet.Error{
				Code: duet.Validation,
				Err:  fmt.Errorf("create on %s needs a key so it can be rolled back by delete", op.Entity),
			}
		}
		return duet.Operation{Kind: duet.OpDelete, Entity: op.Entity, Key: op.Key}, nil

	case duet.OpUpdate:
		if len(preImage) == 0 {
			return duet.Operation{}, duet.Error{
				Code: duet.Validation,
				Err:  fmt.Errorf("update on %s: no pre-image, row or node does not exist", op.Entity),
			}
		}
		values := withoutKeyFields(preImage, op.Key)
		if len(values) == 0 {
			// Pre-image held nothing beyond the key. Re-assert the key fields;
			// compiled as an update it is a no-op restore.
			values = preImage
		}
		return duet.Operation{
			Kind:   duet.OpUpdate,
			Entity: op.Entity,
			Key:    op.Key,
			Values: values,
		}, nil

	case duet.OpDelete:
		if len(preImage) == 0 {
			return duet.Operation{}, duet.Error{
				Code: duet.Validation,
				Err:  fmt.Errorf("delete on %s: no pre-image, row or node does not exist", op.Entity),
			}
		}
		return duet.Operation{
			Kind:   duet.OpCreate,
			Entity: op.Entity,
			Key:    op.Key,
			Values: withoutKeyFields(preImage, op.Key),
		}, nil
	}
	return duet.Operation{}, duet.Error{Code: duet.Validation, Err: fmt.Errorf("unknown operation kind %d on %s", op.Kind, op.Entity)}
}

// withoutKeyFields copies the pre-image minus the key fields, which travel in
// the inverse operation's Key and must not be overwritten by its Values.
func withoutKeyFields(preImage duet.Record, key map[string]any) map[string]any {
	out := make(map[string]any, len(preImage))
	for k, v := range preImage {
		if _, isKey := key[k]; isKey {
			continue
		}
		out[k] = v
	}
	return out
}
