// Package errors provides structured error handling with machine-readable codes.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request identity errors
	CodeUnauthenticated      Code = "UNAUTHENTICATED"
	CodeTenantContextMissing Code = "TENANT_CONTEXT_MISSING"
	CodeForbidden            Code = "FORBIDDEN"
	CodeRateLimited          Code = "RATE_LIMITED"

	// Module catalog errors
	CodeModuleNotFound     Code = "MODULE_NOT_FOUND"
	CodeModuleKeyEmpty     Code = "MODULE_KEY_EMPTY"
	CodeModuleNameEmpty    Code = "MODULE_NAME_EMPTY"
	CodeDependencyCycle    Code = "DEPENDENCY_CYCLE"
	CodeDependencySelfEdge Code = "DEPENDENCY_SELF_EDGE"
	CodeDependencyDangling Code = "DEPENDENCY_DANGLING_EDGE"
	CodeTenantIDEmpty      Code = "TENANT_ID_EMPTY"
	CodeActorIDEmpty       Code = "ACTOR_ID_EMPTY"

	// Activation errors
	CodeBlockingDependencies Code = "BLOCKING_DEPENDENCIES"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeInternal Code = "INTERNAL"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeModuleKeyEmpty,
		CodeModuleNameEmpty,
		CodeDependencySelfEdge,
		CodeDependencyDangling,
		CodeTenantIDEmpty,
		CodeActorIDEmpty:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeBlockingDependencies,
		CodeDependencyCycle:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeModuleNotFound:
		return codes.NotFound

	case CodeUnauthenticated:
		return codes.Unauthenticated

	case CodeForbidden,
		CodeTenantContextMissing:
		return codes.PermissionDenied

	case CodeRateLimited:
		return codes.ResourceExhausted

	default:
		return codes.Internal
	}
}
