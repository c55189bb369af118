package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/karapace-project/karapace/cmd"
	karaerrors "github.com/karapace-project/karapace/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var manifestErr *karaerrors.ManifestError
		var storeErr *karaerrors.StoreError
		var integrityErr *karaerrors.IntegrityFailureError
		switch {
		case errors.As(err, &manifestErr):
			os.Exit(2)
		case errors.As(err, &storeErr), errors.As(err, &integrityErr):
			os.Exit(3)
		}
		os.Exit(1)
	}
}
