package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v2"
)

const keySize = 32

func runKeyGen(c *cli.Context) error {
	key := make([]byte, keySize)
	n, err := rand.Reader.Read(key)
	if err != nil {
		return errors.Wrap(err, "error reading random data")
	}
	if n != keySize {
		return errors.New("could not read enough entropy")
	}

	fmt.Fprintln(c.App.Writer, base64.StdEncoding.EncodeToString(key))

	return nil
}
