package cli

import (
	"fmt"

	"github.com/zvold/zvold/pkg/version"
)

func init() {
	Register("version", runVersion, `
usage: zvold-host version

Show current version`)
}

func runVersion() {
	fmt.Println(version.String())
}
