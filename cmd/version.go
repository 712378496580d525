package cmd

import (
	"errors"
	"fmt"

	"github.com/pressbak/pressbak/pkg/config"
	"github.com/pressbak/pressbak/pkg/exitcode"
)

// RunVersion prints the application version.
func RunVersion(appName, appVersion string) error {
	fmt.Printf("%s version %s\n", appName, appVersion)
	return nil
}

// validationCode extracts the exit code carried by a validation failure.
func validationCode(err error) exitcode.Code {
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	return exitcode.UsageError
}
