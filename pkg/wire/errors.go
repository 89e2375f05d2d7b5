// SPDX-FileCopyrightText: 2024 The srft Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

// FrameError is returned for datagrams which cannot be decoded. Such datagrams
// should be treated as if they were lost.
type FrameError struct {
	Msg   string
	Cause error
}

func newFrameError(msg string, cause error) *FrameError {
	return &FrameError{
		Msg:   msg,
		Cause: cause,
	}
}

func (err *FrameError) Error() string {
	if err.Cause != nil {
		return "frame error: " + err.Msg + ": " + err.Cause.Error()
	}
	return "frame error: " + err.Msg
}

func (err *FrameError) Unwrap() error {
	return err.Cause
}
