// Command peinfo prints the headers and tables of a PE32 or PE32+ file.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"stab/pkg/image"
	"stab/pkg/source"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	showImports := flag.Bool("imports", false, "list imported symbols")
	showExports := flag.Bool("exports", false, "list exported symbols")
	verify := flag.Bool("verify", false, "cross-check import and export tables against saferwall/pe")
	certs := flag.Bool("certs", false, "print the signer certificates")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if flag.NArg() != 1 {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	f, err := source.FromFile(path)
	if err != nil {
		logger.Fatal("opening file", zap.String("path", path), zap.Error(err))
	}
	defer f.Close()

	im, err := image.Parse(f.Bytes())
	if err != nil {
		logger.Fatal("not a PE file", zap.String("path", path), zap.Error(err))
	}
	if err := printHeaders(os.Stdout, im); err != nil {
		logger.Fatal("writing", zap.Error(err))
	}

	var imports []importEntry
	if *showImports || *verify {
		if imports, err = importList(im); err != nil {
			logger.Error("import table", zap.Error(err))
		}
	}
	var exports []exportEntry
	if *showExports || *verify {
		if exports, err = exportList(im); err != nil {
			logger.Error("export table", zap.Error(err))
		}
	}

	if *showImports {
		fmt.Println()
		printImports(os.Stdout, imports)
	}
	if *showExports {
		fmt.Println()
		printExports(os.Stdout, exports)
	}
	if *certs {
		list, err := signers(im)
		if err != nil {
			logger.Error("certificate table", zap.Error(err))
		}
		fmt.Println()
		printSigners(os.Stdout, list)
	}

	if *verify {
		refImports, refExports, err := reference(f.Bytes())
		if err != nil {
			logger.Fatal("reference parser", zap.Error(err))
		}
		diffs := append(diffImports(imports, refImports), diffExports(exports, refExports)...)
		for _, d := range diffs {
			logger.Warn("mismatch", zap.String("detail", d))
		}
		if len(diffs) > 0 {
			os.Exit(1)
		}
		logger.Info("tables match reference parser",
			zap.Int("imports", len(imports)), zap.Int("exports", len(exports)))
	}
}
