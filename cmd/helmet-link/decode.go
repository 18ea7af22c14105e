package main

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli"

	"github.com/smarthelmet/helmet-link/internal/ble/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func decodeCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("decode takes exactly one payload argument", 2)
	}
	out, err := describeFrame(c.String("encoding"), c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// describeFrame decodes payload with the named codec and renders the frame.
func describeFrame(encoding, payload string) (string, error) {
	codec, err := protocol.CodecByName(encoding)
	if err != nil {
		return "", err
	}
	f, err := protocol.DecodeFrame(codec, []byte(payload))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "kind: %s\ntext: %s", f.Kind, f.Text)
	if f.Object != nil {
		obj, err := json.MarshalIndent(f.Object, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding object: %w", err)
		}
		fmt.Fprintf(&b, "\nobject: %s", obj)
	}
	return b.String(), nil
}
