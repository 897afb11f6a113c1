// Command seal encrypts a PE image so the loader can fetch it with -url.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"stab/pkg/config"
	"stab/pkg/image"
	"stab/pkg/source"
)

var errNoPassword = errors.New("no password given, set -password or $" + config.EnvPassword)

func newLogger(level string) (*zap.Logger, error) {
	return config.LogConfig{Level: level, Development: true}.Logger()
}

// sealFile writes the sealed form of in to out. Input that does not parse as
// a PE image is refused unless force is set.
func sealFile(in, out, password string, force bool) (int, error) {
	if password == "" {
		return 0, errNoPassword
	}
	f, err := source.FromFile(in)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := image.Parse(f.Bytes()); err != nil && !force {
		return 0, fmt.Errorf("%s: %w", in, err)
	}
	sealed, err := source.Seal(f.Bytes(), password)
	if err != nil {
		return 0, err
	}
	return len(sealed), os.WriteFile(out, sealed, 0o644)
}

func main() {
	out := flag.String("o", "", "output file (default <input>.sealed)")
	password := flag.String("password", os.Getenv(config.EnvPassword), "sealing password")
	force := flag.Bool("force", false, "seal the input even if it does not parse as a PE image")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := newLogger(*level)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if flag.NArg() != 1 {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image.dll\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	in := flag.Arg(0)
	if *out == "" {
		*out = in + ".sealed"
	}

	n, err := sealFile(in, *out, *password, *force)
	if err != nil {
		logger.Fatal("sealing failed", zap.String("in", in), zap.Error(err))
	}
	logger.Info("sealed", zap.String("in", in), zap.String("out", *out), zap.Int("bytes", n))
}
