package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/loykin/rdswatch/internal/pipeline"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, pipeline.ErrHardwareFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
