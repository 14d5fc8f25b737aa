package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"text/tabwriter"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"lukechampine.com/farm/storage"
	"lukechampine.com/flagg"
)

var (
	// to be supplied at build time
	githash   = "?"
	builddate = "?"
)

var (
	rootUsage = `Usage:
    farmer [flags] [action]

Actions:
    serve           run the farmer daemon
    clean           reap expired shards
    inspect         display info about a stored shard
`
	versionUsage = rootUsage
	serveUsage   = `Usage:
    farmer serve

Runs the farmer daemon. Shards whose contracts have all expired are reaped
once at startup and then periodically. If a relay URL is configured, the
daemon maintains a tunnel to the relay, reconnecting whenever it closes, and
bridges each relayed session to the local service address.

A status API is served on the API address.
`
	cleanUsage = `Usage:
    farmer clean

Performs a single reaper pass, deleting every stored shard whose contracts
have all expired. The daemon must not be running.
`
	inspectUsage = `Usage:
    farmer inspect hash

Displays the size and contracts of the shard with the specified hash.
`
)

var usage = flagg.SimpleUsage(flagg.Root, rootUsage)

func check(ctx string, err error) {
	if err != nil {
		log.Fatalln(ctx, err)
	}
}

func openManager(config farmerConfig) (*storage.Manager, func()) {
	db, err := openStore(config.StorageEngine, config.DataDir)
	check("Could not open shard database:", err)
	m, err := storage.NewManager(db, storage.WithoutReaper())
	check("Could not initialize storage manager:", err)
	return m, func() {
		m.Close()
		db.Close()
	}
}

func clean(config farmerConfig) error {
	m, done := openManager(config)
	defer done()
	start := time.Now()
	stats, err := m.Clean(context.Background())
	if err != nil {
		return err
	}
	log.Printf("Scanned %v shards, reaped %v (%v failed) in %v", stats.Scanned, stats.Reaped, stats.Failed, time.Since(start).Round(time.Millisecond))
	return nil
}

func inspect(config farmerConfig, hash string) error {
	m, done := openManager(config)
	defer done()
	it, err := m.Load(hash)
	if err != nil {
		return err
	}
	s := summarize(it, time.Now())
	fmt.Printf("Hash: %v\nSize: %v bytes\n", s.Hash, s.Size)
	if len(s.Contracts) == 0 {
		fmt.Println("No contracts")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Peer\tStore End\tExpired")
	for _, c := range s.Contracts {
		fmt.Fprintf(tw, "%v\t%v\t%v\n", c.Peer, c.StoreEnd.Format(time.RFC3339), c.Expired)
	}
	return tw.Flush()
}

func main() {
	log.SetFlags(0)

	dir, err := defaultConfigDir()
	check("Could not locate config directory:", err)

	rootCmd := flagg.Root
	configPath := rootCmd.String("c", filepath.Join(dir, "farmer.toml"), "path to config file")
	dataDir := rootCmd.String("d", "", "directory where shards are stored")
	engine := rootCmd.String("e", "", "storage engine (bolt or leveldb)")
	rootCmd.Usage = usage

	versionCmd := flagg.New("version", versionUsage)
	serveCmd := flagg.New("serve", serveUsage)
	relayURL := serveCmd.String("r", "", "URL of the relay to tunnel through")
	localAddr := serveCmd.String("l", "", "host:port of the local service")
	apiAddr := serveCmd.String("a", "", "host:port that the API server listens on")
	cleanCmd := flagg.New("clean", cleanUsage)
	inspectCmd := flagg.New("inspect", inspectUsage)

	cmd := flagg.Parse(flagg.Tree{
		Cmd: rootCmd,
		Sub: []flagg.Tree{
			{Cmd: versionCmd},
			{Cmd: serveCmd},
			{Cmd: cleanCmd},
			{Cmd: inspectCmd},
		},
	})
	args := cmd.Args()

	config, err := loadConfig(*configPath)
	check("Could not load config file:", err)
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&config.DataDir, *dataDir)
	override(&config.StorageEngine, *engine)
	override(&config.RelayURL, *relayURL)
	override(&config.LocalAddr, *localAddr)
	override(&config.APIAddr, *apiAddr)
	check("Invalid config:", config.validate())

	lvl, err := logging.LevelFromString(config.LogLevel)
	check("Invalid log level:", err)
	logging.SetAllLoggers(lvl)

	switch cmd {
	case rootCmd:
		if len(args) > 0 {
			usage()
			return
		}
		fallthrough
	case versionCmd:
		log.Printf("farmer v0.1.0\nCommit:     %s\nGo version: %s %s/%s\nBuild Date: %s\n",
			githash, runtime.Version(), runtime.GOOS, runtime.GOARCH, builddate)

	case serveCmd:
		if len(args) != 0 {
			serveCmd.Usage()
			return
		}
		err := serve(config)
		check("Daemon failed:", err)

	case cleanCmd:
		if len(args) != 0 {
			cleanCmd.Usage()
			return
		}
		err := clean(config)
		check("Clean failed:", err)

	case inspectCmd:
		if len(args) != 1 {
			inspectCmd.Usage()
			return
		}
		err := inspect(config, args[0])
		check("Inspect failed:", err)
	}
}
