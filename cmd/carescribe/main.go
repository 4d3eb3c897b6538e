package main

import (
	"errors"
	"fmt"
	"os"

	"carescribe/internal/ports"
	"carescribe/internal/usecase"
)

// Exit codes for different failure modes
const (
	ExitSuccess     = 0
	ExitError       = 1
	ExitMicrophone  = 3 // microphone denied or unavailable
	ExitUnsupported = 4 // requested capture mode is not available
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ports.ErrMicrophoneUnavailable):
		return ExitMicrophone
	case errors.Is(err, usecase.ErrCaptureUnsupported):
		return ExitUnsupported
	default:
		return ExitError
	}
}
