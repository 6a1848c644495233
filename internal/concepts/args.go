package concepts

import (
	"github.com/roach88/syncflow/internal/concept"
	"github.com/roach88/syncflow/internal/ir"
)

// Missing or mistyped arguments are business failures: the caller sent a
// bad request, the adapter is fine.

func stringArg(args ir.IRObject, name string) (string, error) {
	v, ok := args[name]
	if !ok || ir.IsNull(v) {
		return "", concept.Failf("Missing argument: %s.", name)
	}
	s, ok := v.(ir.IRString)
	if !ok {
		return "", concept.Failf("Argument %s must be a string.", name)
	}
	return string(s), nil
}

func intArg(args ir.IRObject, name string) (int64, error) {
	v, ok := args[name]
	if !ok || ir.IsNull(v) {
		return 0, concept.Failf("Missing argument: %s.", name)
	}
	n, ok := v.(ir.IRInt)
	if !ok {
		return 0, concept.Failf("Argument %s must be an integer.", name)
	}
	return int64(n), nil
}

func arrayArg(args ir.IRObject, name string) (ir.IRArray, error) {
	v, ok := args[name]
	if !ok || ir.IsNull(v) {
		return ir.IRArray{}, nil
	}
	arr, ok := v.(ir.IRArray)
	if !ok {
		return nil, concept.Failf("Argument %s must be an array.", name)
	}
	return arr, nil
}

func optionalString(args ir.IRObject, name string) (string, error) {
	if v, ok := args[name]; !ok || ir.IsNull(v) {
		return "", nil
	}
	return stringArg(args, name)
}

// single is a one-tuple query result.
func single(key string, val ir.IRValue) []ir.IRObject {
	return []ir.IRObject{{key: val}}
}
