// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import stderrors "errors"

// ConfigInvalid builds a CONFIG_INVALID error. Fatal at startup (§7).
func ConfigInvalid(message string, cause error) *BGError {
	return Wrap(ErrorCodeConfigInvalid, message, cause)
}

// BridgeFailure builds a BRIDGE_FAILURE error for a failed controller call.
func BridgeFailure(blockID, message string, cause error) *BGError {
	e := Wrap(ErrorCodeBridgeFailure, message, cause)
	e.BlockID = blockID
	return e
}

// IncompatibleState builds an INCOMPATIBLE_STATE error, retried by the
// lifecycle engine up to MAX_ADD_RETRY times before escalating to
// BLOCK_ERROR.
func IncompatibleState(blockID, message string) *BGError {
	e := New(ErrorCodeIncompatibleState, message)
	e.BlockID = blockID
	return e
}

// ResourcesBusy builds a RESOURCES_BUSY error returned to the job bridge so
// the caller can requeue the job.
func ResourcesBusy(message string) *BGError {
	return New(ErrorCodeResourcesBusy, message)
}

// GeometryImpossible builds a GEOMETRY_IMPOSSIBLE error: fatal to the
// requesting job, never retried.
func GeometryImpossible(message string) *BGError {
	return New(ErrorCodeGeometryImpossible, message)
}

// BootFailed builds a BOOT_FAILED error for a block that did not reach
// ready after a boot request.
func BootFailed(blockID string, jobID int64, cause error) *BGError {
	e := Wrap(ErrorCodeBootFailed, "block failed to boot", cause)
	e.BlockID = blockID
	e.JobID = jobID
	return e
}

// OwnerSetFailed builds an OWNER_SET_FAILED error: the job fails
// immediately (§7).
func OwnerSetFailed(blockID string, jobID int64, cause error) *BGError {
	e := Wrap(ErrorCodeOwnerSetFailed, "failed to set block owner", cause)
	e.BlockID = blockID
	e.JobID = jobID
	return e
}

// HardwareDown builds a HARDWARE_DOWN error for a midplane, nodecard, or
// switch the health poller observed in a non-up state.
func HardwareDown(details string) *BGError {
	return New(ErrorCodeHardwareDown, details)
}

// As reports whether err is a *BGError, unwrapping through the error chain.
func As(err error) (*BGError, bool) {
	var bgErr *BGError
	ok := stderrors.As(err, &bgErr)
	return bgErr, ok
}

// Code returns the ErrorCode of err if it is (or wraps) a *BGError, and
// ErrorCodeUnknown otherwise.
func Code(err error) ErrorCode {
	if bgErr, ok := As(err); ok {
		return bgErr.Code
	}
	return ErrorCodeUnknown
}
