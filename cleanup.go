package main

import (
	"errors"
	"io/fs"
	"os"

	log "github.com/sirupsen/logrus"
)

// removeArtifacts removes every path, continuing past failures. Paths that do
// not exist are skipped.
func removeArtifacts(paths []string) error {
	var errs []error
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			log.Debugf("  removed %s", p)
		case errors.Is(err, fs.ErrNotExist):
			log.Debugf("  %s already gone", p)
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
