package usecase

import (
	"errors"
	"fmt"
)

// cleanupStep is one named action of a teardown sequence.
type cleanupStep struct {
	name string
	run  func() error
}

// runTeardown executes every step even when earlier ones fail or panic and
// returns the collected failures.
func runTeardown(steps ...cleanupStep) error {
	var errs []error
	for _, step := range steps {
		if err := runStep(step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runStep(step cleanupStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", step.name, r)
		}
	}()
	if step.run == nil {
		return nil
	}
	if err := step.run(); err != nil {
		return fmt.Errorf("%s: %w", step.name, err)
	}
	return nil
}
