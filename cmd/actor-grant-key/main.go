// Package main provides a one-shot utility for actor grant key generation.
//
// It emits the asymmetric keypair used to sign and verify actor grants.
package main

import (
	"os"

	"github.com/palettehq/palette/internal/platform/config"
	"github.com/palettehq/palette/internal/tools/actorgrantkey"
)

func main() {
	if err := actorgrantkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate actor grant key: %v", err)
	}
}
