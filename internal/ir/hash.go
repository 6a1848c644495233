package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix leaves
// room to change the algorithm later.
const (
	DomainInvocation = "syncflow/invocation/v1"
	DomainCompletion = "syncflow/completion/v1"
	DomainBinding    = "syncflow/binding/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// InvocationID computes the content-addressed ID of an invocation.
func InvocationID(flowToken string, actionURI ActionRef, args IRObject, seq int64) (string, error) {
	if args == nil {
		args = IRObject{}
	}
	obj := IRObject{
		"flow_token": IRString(flowToken),
		"action_uri": IRString(actionURI),
		"args":       args,
		"seq":        IRInt(seq),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("invocation id: %w", err)
	}
	return hashWithDomain(DomainInvocation, canonical), nil
}

// CompletionID computes the content-addressed ID of a completion.
func CompletionID(invocationID, outputCase string, result IRObject, seq int64) (string, error) {
	if result == nil {
		result = IRObject{}
	}
	obj := IRObject{
		"invocation_id": IRString(invocationID),
		"output_case":   IRString(outputCase),
		"result":        result,
		"seq":           IRInt(seq),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("completion id: %w", err)
	}
	return hashWithDomain(DomainCompletion, canonical), nil
}

// BindingHash identifies one binding environment of one rule firing.
// ordinal counts earlier environments in the same set with identical
// bindings, so two equal environments still dispatch twice.
func BindingHash(bindings IRObject, ordinal int) (string, error) {
	if bindings == nil {
		bindings = IRObject{}
	}
	obj := IRObject{
		"bindings": bindings,
		"ordinal":  IRInt(ordinal),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("binding hash: %w", err)
	}
	return hashWithDomain(DomainBinding, canonical), nil
}

// MustInvocationID is like InvocationID but panics on error.
func MustInvocationID(flowToken string, actionURI ActionRef, args IRObject, seq int64) string {
	id, err := InvocationID(flowToken, actionURI, args, seq)
	if err != nil {
		panic(err)
	}
	return id
}

// MustCompletionID is like CompletionID but panics on error.
func MustCompletionID(invocationID, outputCase string, result IRObject, seq int64) string {
	id, err := CompletionID(invocationID, outputCase, result, seq)
	if err != nil {
		panic(err)
	}
	return id
}

// MustBindingHash is like BindingHash but panics on error.
func MustBindingHash(bindings IRObject, ordinal int) string {
	hash, err := BindingHash(bindings, ordinal)
	if err != nil {
		panic(err)
	}
	return hash
}
