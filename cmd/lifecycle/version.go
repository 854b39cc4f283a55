package main

import (
	"fmt"
	"io"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/lifecycle/
var version = "dev"

type VersionCmd struct{}

func (VersionCmd) Run(out io.Writer) error {
	_, err := fmt.Fprintln(out, version)
	return err
}
