// Command shiftctl records attendance against a running shiftgate from the
// command line, through the same retrying client other services use.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	err := newRootCmd(os.Stdout, os.Stderr).Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err.Error())
	var denied *deniedError
	if errors.As(err, &denied) {
		os.Exit(2)
	}
	os.Exit(1)
}
