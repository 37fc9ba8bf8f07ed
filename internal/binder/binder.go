// Package binder turns a JSON argument array into typed call arguments.
package binder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danmuck/callbridge/internal/interop"
	"github.com/danmuck/callbridge/internal/refs"
	"github.com/rs/zerolog/log"
)

// Resolver redeems reference ids. *refs.Table satisfies it.
type Resolver interface {
	Lookup(id int64) (*refs.Entry, error)
}

// Bind parses argsJSON and binds each element to params in order. route is
// used in diagnostics only. Any failure is an *interop.Error and no partial
// argument list is returned.
func Bind(route, argsJSON string, params []interop.TypeTag, resolver Resolver) ([]any, error) {
	elems, err := parseArray(argsJSON)
	if err != nil {
		return nil, err
	}
	if len(elems) != len(params) {
		return nil, interop.Errorf(
			interop.KindArityMismatch,
			"In call to '%s', expected %d parameters but received %d.",
			route,
			len(params),
			len(elems),
		)
	}

	out := make([]any, len(params))
	for i, tag := range params {
		v, err := bindOne(i, elems[i], tag, resolver)
		if err != nil {
			log.Debug().Str("route", route).Int("arg", i).Err(err).Msg("binder.Bind failed")
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseArray(argsJSON string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(argsJSON))
	if len(trimmed) == 0 {
		return nil, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, interop.Errorf(
				interop.KindMalformedPayload,
				"%s (byte position %d)",
				syntaxErr.Error(),
				syntaxErr.Offset,
			).WithCause(err)
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, interop.Errorf(
				interop.KindMalformedPayload,
				"arguments must be a JSON array, received %s",
				typeErr.Value,
			).WithCause(err)
		}
		return nil, interop.Errorf(interop.KindMalformedPayload, "%v", err).WithCause(err)
	}
	return elems, nil
}

func bindOne(index int, raw json.RawMessage, tag interop.TypeTag, resolver Resolver) (any, error) {
	switch tag.Kind {
	case interop.TypeRef:
		return bindRef(index, raw, tag.Capability, resolver)
	case interop.TypeString:
		var v string
		return decodeInto(index, raw, &v, tag)
	case interop.TypeInt:
		var v int64
		return decodeInto(index, raw, &v, tag)
	case interop.TypeFloat:
		var v float64
		return decodeInto(index, raw, &v, tag)
	case interop.TypeBool:
		var v bool
		return decodeInto(index, raw, &v, tag)
	case interop.TypeObject:
		var v map[string]any
		return decodeInto(index, raw, &v, tag)
	case interop.TypeArray:
		var v []any
		return decodeInto(index, raw, &v, tag)
	case interop.TypeRaw:
		v := make(json.RawMessage, len(raw))
		copy(v, raw)
		return v, nil
	default:
		return nil, interop.Errorf(interop.KindTypeMismatch, "argument %d: unsupported parameter type %s", index, tag)
	}
}

func decodeInto[T any](index int, raw json.RawMessage, dst *T, tag interop.TypeTag) (any, error) {
	if err := decode(index, raw, dst, tag); err != nil {
		return nil, err
	}
	return *dst, nil
}

func decode(index int, raw json.RawMessage, dst any, tag interop.TypeTag) error {
	err := json.Unmarshal(raw, dst)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return interop.Errorf(
			interop.KindTypeMismatch,
			"argument %d: expected %s but received %s",
			index,
			tag,
			typeErr.Value,
		).WithCause(err)
	}
	return interop.Errorf(interop.KindTypeMismatch, "argument %d: %v", index, err).WithCause(err)
}

type refArg struct {
	Ref *int64 `json:"ref"`
}

func bindRef(index int, raw json.RawMessage, want interop.Capability, resolver Resolver) (any, error) {
	var arg refArg
	if err := json.Unmarshal(raw, &arg); err != nil || arg.Ref == nil {
		e := interop.Errorf(
			interop.KindTypeMismatch,
			"argument %d: expected an object carrying a 'ref' id for %s",
			index,
			interop.Ref(want),
		)
		if err != nil {
			e.Cause = err
		}
		return nil, e
	}
	id := *arg.Ref
	public := fmt.Sprintf(
		"%s: argument %d: unable to bind reference %d as '%s'",
		interop.KindCapabilityMismatch,
		index,
		id,
		want,
	)
	if resolver == nil {
		return nil, &interop.Error{Kind: interop.KindUnknownReference, Detail: "no reference table", Public: public}
	}
	entry, err := resolver.Lookup(id)
	if err != nil {
		return nil, &interop.Error{
			Kind:   interop.KindUnknownReference,
			Detail: fmt.Sprintf("argument %d: reference %d is not registered", index, id),
			Public: public,
			Cause:  err,
		}
	}
	if entry.Capability != want {
		return nil, &interop.Error{
			Kind:   interop.KindCapabilityMismatch,
			Detail: fmt.Sprintf("argument %d: reference %d has capability '%s', want '%s'", index, id, entry.Capability, want),
			Public: public,
		}
	}
	return entry.Object, nil
}
