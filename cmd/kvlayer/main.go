// Command kvlayer reads and writes JSON records through a store stack
// described by a config file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/unkn0wn-root/kvlayer"
	"github.com/unkn0wn-root/kvlayer/config"
	"github.com/unkn0wn-root/kvlayer/logging"
)

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const usage = `kvlayer - key-value records over pluggable stores

Usage:
  kvlayer [-config file] [-dir dir] <command> [args]

Commands:
  put [-id id] <json>   store a JSON object; prints its id (generated when omitted)
  get <id>              print a record
  delete <id>           delete a record
  list                  print every id
  clear                 delete every record
  stats                 print count, size, capacity and cache stats
  warm                  copy every primary record into the cache
  check                 validate the configuration and exit`

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("kvlayer", flag.ContinueOnError)
	fs.SetOutput(stdErr)
	fs.Usage = func() { fmt.Fprintln(stdErr, usage) }
	cfgPath := fs.String("config", "", "config file (toml, yaml or json)")
	dir := fs.String("dir", "./data", "data directory when no config file is given")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	var (
		cfg *config.Config
		err error
	)
	if *cfgPath != "" {
		cfg, err = config.Load(*cfgPath)
	} else {
		cfg, err = config.Default(*dir)
	}
	if err != nil {
		fmt.Fprintf(stdErr, "load config: %v\n", err)
		return 1
	}
	lr, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(stdErr, "init logging: %v\n", err)
		return 1
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "check" {
		fmt.Fprintf(stdOut, "ok: %s backend %q, cache %v\n", cfg.Primary.Kind, cfg.Primary.Name, cfg.Cache.Enabled)
		return 0
	}

	st, err := openStack(ctx, cfg, lr)
	if err != nil {
		fmt.Fprintf(stdErr, "open store: %v\n", err)
		return 1
	}
	err = dispatch(ctx, st, cmd, rest)
	if cerr := st.close(ctx); cerr != nil {
		lr.WithError(cerr).Warn("close store")
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stdErr, err)
		fmt.Fprintln(stdErr, usage)
		return 2
	case errors.Is(err, kvlayer.ErrNotFound):
		fmt.Fprintln(stdErr, err)
		return 3
	default:
		fmt.Fprintf(stdErr, "%s: %v\n", cmd, err)
		return 1
	}
}

var errUsage = errors.New("usage")

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func dispatch(ctx context.Context, st *stack, cmd string, args []string) error {
	switch cmd {
	case "put":
		return putCmd(ctx, st, args)
	case "get":
		if len(args) != 1 {
			return usageErr("get takes one id")
		}
		v, err := st.store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdOut)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "delete":
		if len(args) != 1 {
			return usageErr("delete takes one id")
		}
		id, err := st.store.Delete(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "deleted %s\n", id)
		return nil
	case "list":
		ids, err := st.store.ListIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(stdOut, id)
		}
		return nil
	case "clear":
		return kvlayer.DeleteAll(ctx, st.store)
	case "stats":
		return statsCmd(ctx, st)
	case "warm":
		if st.cache == nil {
			return usageErr("warm needs cache.enabled")
		}
		return st.cache.Warm(ctx)
	default:
		return usageErr("unknown command %q", cmd)
	}
}

func putCmd(ctx context.Context, st *stack, args []string) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(stdErr)
	id := fs.String("id", "", "record id; a UUID when empty")
	if err := fs.Parse(args); err != nil {
		return usageErr("%v", err)
	}
	if fs.NArg() != 1 {
		return usageErr("put takes one JSON object")
	}
	var rec Record
	if err := json.Unmarshal([]byte(fs.Arg(0)), &rec); err != nil || rec == nil {
		return usageErr("record is not a JSON object: %v", err)
	}
	if *id == "" {
		*id = uuid.NewString()
	}
	if _, err := st.store.Put(ctx, *id, rec); err != nil {
		return err
	}
	fmt.Fprintln(stdOut, *id)
	return nil
}

func statsCmd(ctx context.Context, st *stack) error {
	n, err := kvlayer.Count(ctx, st.store)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdOut, "store:     %s\n", st.store.Name())
	fmt.Fprintf(stdOut, "records:   %s\n", humanize.Comma(int64(n)))

	if ts, err := kvlayer.LastModified(ctx, st.bounded); err == nil && !ts.IsZero() {
		fmt.Fprintf(stdOut, "modified:  %s (%s)\n", ts.Format(time.RFC3339), humanize.Time(ts))
	}
	if sz, ok := st.bounded.(kvlayer.Sizer); ok {
		total, err := sz.TotalSize(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "size:      %s\n", humanize.IBytes(uint64(total)))
	}
	if c, ok := st.bounded.(kvlayer.Capacity); ok {
		usage, err := c.Usage(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdOut, "capacity:  %s (%.1f%% used)\n", humanize.IBytes(uint64(c.Capacity())), usage)
	}
	if st.cache != nil {
		s := st.cache.Stats()
		fmt.Fprintf(stdOut, "cache:     %d hits, %d misses, %.1f%% hit rate\n", s.Hits, s.Misses, s.HitRate()*100)
	}
	return nil
}
