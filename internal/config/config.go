// Package config holds the server's configuration and loads it from
// command-line flags.
package config

import "flag"

// Config is the server's full set of knobs.
type Config struct {
	// BindAddress is where the transport listens.
	BindAddress string

	// DatabaseURL is adapter-specific; the sqlite metadata adapter
	// treats it as a file path (or ":memory:").
	DatabaseURL string

	// FileStorePath is the root directory for the blob store.
	FileStorePath string

	// CheckpointThreshold is the buffered-op count that triggers folding
	// a room's buffered operations into a new base snapshot.
	CheckpointThreshold int

	// InitialSiteCount is the initial width of a room's vector clock;
	// grown on demand when a site id meets or exceeds it.
	InitialSiteCount int
}

// Defaults returns the configuration before any flag overrides are
// applied.
func Defaults() Config {
	return Config{
		BindAddress:         "127.0.0.1:9001",
		DatabaseURL:         "bearshare.db",
		FileStorePath:       "./data",
		CheckpointThreshold: 1,
		InitialSiteCount:    10,
	}
}

// Parse builds a Config from args (typically os.Args[1:]), starting
// from Defaults and overriding with whatever flags are present.
func Parse(args []string) (Config, error) {
	cfg := Defaults()

	fs := flag.NewFlagSet("bearshare-server", flag.ContinueOnError)
	fs.StringVar(&cfg.BindAddress, "bind-address", cfg.BindAddress, "address the server listens on")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "metadata store location")
	fs.StringVar(&cfg.FileStorePath, "file-store-path", cfg.FileStorePath, "root directory for document blobs")
	fs.IntVar(&cfg.CheckpointThreshold, "checkpoint-threshold", cfg.CheckpointThreshold, "buffered ops before a checkpoint")
	fs.IntVar(&cfg.InitialSiteCount, "initial-site-count", cfg.InitialSiteCount, "initial vector clock width")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
