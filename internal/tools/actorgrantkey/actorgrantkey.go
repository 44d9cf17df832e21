// Package actorgrantkey generates the ed25519 keypair backing actor grants.
package actorgrantkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Run generates an actor grant key pair and writes exports. The public key
// is what the modules service verifies grants with; the private key belongs
// to the identity service that signs them.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate actor grant key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export PALETTE_ACTOR_GRANT_PRIVATE_KEY=%s\n", base64.StdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export PALETTE_ACTOR_GRANT_PUBLIC_KEY=%s\n", base64.StdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}
