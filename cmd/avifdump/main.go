// Command avifdump prints the item structure of AVIF files.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, files := newConfig(os.Args[1:])
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: avifdump [flags] file.avif...")
		os.Exit(2)
	}

	failed := false
	for _, name := range files {
		if err := dumpFile(os.Stdout, name, cfg); err != nil {
			logrus.WithError(err).WithField("file", name).Error("dump failed")
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func dumpFile(w io.Writer, name string, cfg *Config) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	v, err := inspect(f, cfg)
	if err != nil {
		return err
	}
	if cfg.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	spew.Fdump(w, v)
	return nil
}
