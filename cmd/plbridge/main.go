package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/plbridge/plbridge"
	"github.com/plbridge/plbridge/types"
)

const callSchema = "plbridge_cli"

const usage = `usage: plbridge [-config file] <command> [args]

commands:
  install <file.wasm>                  install (or replace) a bundle and add it to the public classpath
  call <bundle> <export> [int4 ...]    call an export taking and returning int4 values
  remove <bundle>                      undeploy and remove a bundle
  bundles                              list installed bundles
  version                              print the version
`

// This is a small driver around the backend, mostly useful to check that
// bundles install and run outside of a server.
func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(*configPath, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "plbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	if args[0] == "version" {
		fmt.Println(plbridge.Version())
		return nil
	}

	cfg := plbridge.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = plbridge.LoadConfig(configPath); err != nil {
			return err
		}
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	b, err := plbridge.NewBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := context.Background()
	switch args[0] {
	case "install":
		if len(args) != 2 {
			return errors.New("install takes one file")
		}
		return install(ctx, b, args[1])
	case "call":
		if len(args) < 3 {
			return errors.New("call takes a bundle and an export")
		}
		return call(ctx, b, args[1], args[2], args[3:])
	case "remove":
		if len(args) != 2 {
			return errors.New("remove takes one bundle")
		}
		return b.Remove(ctx, args[1], true)
	case "bundles":
		bundles, err := b.Bundles()
		if err != nil {
			return err
		}
		for _, bundle := range bundles {
			fmt.Printf("%s\t%s\t%x\tdeployed=%t\n", bundle.Name, bundle.Kind, bundle.Checksum, bundle.Deployed)
		}
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func install(ctx context.Context, b *plbridge.Backend, file string) error {
	code, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	err = b.Install(ctx, name, code, true)
	if errors.Is(err, plbridge.ErrBundleExists) {
		err = b.Replace(ctx, name, code, true)
	}
	if err != nil {
		return err
	}
	path, err := b.GetClasspath("public")
	if err != nil {
		return err
	}
	for _, entry := range strings.Split(path, ":") {
		if entry == name {
			fmt.Printf("Installed %s (%s)\n", name, types.ChecksumOf(code))
			return nil
		}
	}
	if path != "" {
		path += ":"
	}
	if err := b.SetClasspath("public", path+name); err != nil {
		return err
	}
	fmt.Printf("Installed %s (%s)\n", name, types.ChecksumOf(code))
	return nil
}

func call(ctx context.Context, b *plbridge.Backend, bundle, export string, raw []string) error {
	argTypes := make([]types.Oid, len(raw))
	args := make([]types.NullableDatum, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		argTypes[i] = types.Int4Oid
		args[i] = types.NotNull(types.WordDatum(v))
	}
	// calls resolve through a schema of their own, the public classpath is left alone
	if err := b.SetClasspath(callSchema, bundle); err != nil {
		return err
	}
	fn, err := b.CreateFunction(ctx, plbridge.FunctionInfo{
		Schema:   callSchema,
		Name:     export,
		Src:      bundle + "." + export,
		ArgTypes: argTypes,
		RetType:  types.Int4Oid,
	})
	if err != nil {
		return err
	}
	res, err := b.Call(ctx, &plbridge.CallInfo{Fn: fn.Oid, Args: args})
	if err != nil {
		return err
	}
	if res.IsNull {
		fmt.Println("NULL")
	} else {
		fmt.Println(res.Value.Int())
	}
	return nil
}
