package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"stab/pkg/config"
	embedCheck "stab/pkg/embed"
	"stab/pkg/image"
	"stab/pkg/manualmap"
	"stab/pkg/resolve"
	"stab/pkg/source"
	"stab/pkg/winapi"
)

var errNoSource = errors.New("no image given: pass a path, -url, or build with the embed tag")

type options struct {
	config   string
	provider string
	path     string
	url      string
	password string
	call     string
	arg      string
	hold     time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.config, "config", "", "TOML configuration file (default $"+config.EnvFile+")")
	flag.StringVar(&opts.provider, "provider", "", "OS primitive provider: static or bootstrap")
	flag.StringVar(&opts.url, "url", "", "fetch a sealed image from this URL")
	flag.StringVar(&opts.password, "password", "", "password of a sealed image (default $"+config.EnvPassword+")")
	flag.StringVar(&opts.call, "call", "", "export to call after mapping, as void(const char*)")
	flag.StringVar(&opts.arg, "arg", "", "string argument passed to -call")
	flag.DurationVar(&opts.hold, "hold", 0, "keep the image mapped this long before closing it")
	flag.Parse()
	opts.path = flag.Arg(0)

	cfg, err := config.Load(opts.config)
	if err != nil {
		log.Fatal(err)
	}
	opts.merge(cfg)

	logger, err := cfg.Log.Logger()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	manualmap.SetLogger(logger)

	if err := run(context.Background(), logger, cfg); err != nil {
		logger.Fatal("load failed", zap.Error(err))
	}
}

// merge lets flags that were set override the configuration file.
func (o options) merge(cfg *config.Config) {
	if o.provider != "" {
		cfg.Loader.Provider = o.provider
	}
	if o.path != "" {
		cfg.Source.Path = o.path
	}
	if o.url != "" {
		cfg.Source.URL = o.url
	}
	if o.password != "" {
		cfg.Source.Password = o.password
	}
	if o.call != "" {
		cfg.Loader.Call = o.call
	}
	if o.arg != "" {
		cfg.Loader.Argument = o.arg
	}
	if o.hold != 0 {
		cfg.Loader.HoldTime = o.hold
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg *config.Config) error {
	data, release, err := payload(ctx, logger, cfg.Source)
	if err != nil {
		return err
	}

	api, err := winapi.New(cfg.Loader.Provider, &resolve.Resolver{
		Head:    resolve.CurrentModuleList,
		MaxHops: cfg.Resolver.MaxForwarderHops,
	})
	if err != nil {
		release()
		return err
	}

	m := manualmap.New(api)
	err = m.Open(data)
	release()
	if err != nil {
		return err
	}
	logger.Info("image mapped", zap.String("base", fmt.Sprintf("%#x", m.Base())))

	if cfg.Loader.Call != "" {
		if err := call(m, cfg.Loader.Call, cfg.Loader.Argument); err != nil {
			logger.Error("call failed", zap.String("export", cfg.Loader.Call), zap.Error(err))
		}
	}

	if cfg.Loader.HoldTime > 0 {
		logger.Info("holding", zap.Duration("for", cfg.Loader.HoldTime))
		time.Sleep(cfg.Loader.HoldTime)
	}
	return m.Close()
}

// payload picks the image source. The returned release func must be called
// once the bytes are no longer needed.
func payload(ctx context.Context, logger *zap.Logger, cfg config.SourceConfig) ([]byte, func(), error) {
	nothing := func() {}

	if embedCheck.IsEmbedded {
		logger.Info("using embedded payload")
		if cfg.Password == "" {
			return embedCheck.EmbeddedBytes, nothing, nil
		}
		data, err := source.Open(embedCheck.EmbeddedBytes, cfg.Password)
		return data, nothing, err
	}

	if cfg.Path != "" {
		f, err := source.FromFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using file", zap.String("path", cfg.Path))
		return f.Bytes(), func() { f.Close() }, nil
	}

	if cfg.URL != "" {
		logger.Info("fetching", zap.String("url", cfg.URL))
		client := &http.Client{Timeout: 30 * time.Second}
		data, err := source.FetchSealed(ctx, client, cfg.URL, cfg.Password)
		return data, nothing, err
	}

	return nil, nil, errNoSource
}

func call(m *manualmap.Module, name, arg string) error {
	addr, err := m.Proc(image.ByName(name))
	if err != nil {
		return err
	}
	return invoke(addr, arg)
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [image.dll]\n", os.Args[0])
		flag.PrintDefaults()
	}
}
