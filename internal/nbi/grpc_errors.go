package nbi

import (
	"errors"

	"github.com/signalsfoundry/nodal-network-sim/core"
	"github.com/signalsfoundry/nodal-network-sim/internal/nbi/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNotFound is a package-level sentinel used when an entity cannot be located.
	ErrNotFound = errors.New("not found")
	// ErrInvalidEntity is a package-level sentinel used for client-side validation failures.
	ErrInvalidEntity = errors.New("invalid entity")
)

// ToStatusError maps simulator errors onto gRPC status codes for NBI services.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, core.ErrNodeNotFound),
		errors.Is(err, core.ErrLinkNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidEntity),
		errors.Is(err, ErrInvalidStep),
		errors.Is(err, types.ErrInvalidRequest),
		errors.Is(err, core.ErrNodeBadInput),
		errors.Is(err, core.ErrLinkBadInput),
		errors.Is(err, core.ErrEmptyLinkID),
		errors.Is(err, core.ErrPortNodeMiss),
		errors.Is(err, core.ErrPortOutOfRange),
		errors.Is(err, core.ErrInvalidTimeStep):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, core.ErrUnresolvableCycle),
		errors.Is(err, core.ErrSchedulerConfig):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, core.ErrNodeExists),
		errors.Is(err, core.ErrLinkExists):
		return status.Error(codes.AlreadyExists, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
