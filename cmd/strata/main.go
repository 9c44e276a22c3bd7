package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/strata/internal/config"
	"github.com/rzbill/strata/internal/store"
	"github.com/rzbill/strata/pkg/id"
	logpkg "github.com/rzbill/strata/pkg/log"
)

func main() {
	level := os.Getenv("STRATA_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata storage engine CLI",
		Long:  "Strata is a log-structured hybrid-memory KV storage core. This CLI runs benchmarks and inspects data directories.",
	}

	rootCmd.AddCommand(benchCmd(logger))
	rootCmd.AddCommand(infoCmd(logger))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(configPath)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if dev, _ := cmd.Flags().GetString("device"); dev != "" {
		cfg.Device = dev
	}
	if pageBits, _ := cmd.Flags().GetInt("page-bits"); pageBits > 0 {
		cfg.PageSizeBits = uint8(pageBits)
	}
	if bufferPages, _ := cmd.Flags().GetInt("buffer-pages"); bufferPages > 0 {
		cfg.BufferPages = bufferPages
	}
	return cfg, cfg.Validate()
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "config file (JSON)")
	cmd.Flags().String("data-dir", "./strata-data", "data directory")
	cmd.Flags().String("device", "", "device: file|pebble|null")
	cmd.Flags().Int("page-bits", 0, "page size bits override")
	cmd.Flags().Int("buffer-pages", 0, "buffer pages override")
}

func benchCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load records, flush-and-evict, compact, verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("n")
			valueSize, _ := cmd.Flags().GetInt("value-size")
			strategy, _ := cmd.Flags().GetString("compaction")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var typ store.CompactionType
			switch strategy {
			case "lookup":
				typ = store.CompactionLookup
			case "scan":
				typ = store.CompactionScan
			default:
				return fmt.Errorf("invalid --compaction; use lookup|scan")
			}

			run := id.NewGenerator().Next()
			logger.Info("bench starting",
				logpkg.Str("run", run.String()),
				logpkg.Int("n", n),
				logpkg.Str("device", cfg.Device))

			s, err := store.Open(store.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer s.Close()

			value := make([]byte, valueSize)
			var until int64
			start := time.Now()
			for i := 0; i < n; i++ {
				var key [8]byte
				binary.BigEndian.PutUint64(key[:], uint64(i))
				binary.BigEndian.PutUint64(value, uint64(i))
				if err := s.Upsert(key[:], value); err != nil {
					return fmt.Errorf("upsert %d: %w", i, err)
				}
				if i == n/2 {
					until = s.Log().TailAddress()
				}
			}
			loadDur := time.Since(start)

			start = time.Now()
			s.Log().FlushAndEvict(true)
			flushDur := time.Since(start)

			start = time.Now()
			reached, err := s.Log().Compact(store.CompactionFunctions{}, until, typ)
			if err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			s.Log().Truncate()
			compactDur := time.Since(start)

			start = time.Now()
			missing := 0
			for i := 0; i < n; i++ {
				var key [8]byte
				binary.BigEndian.PutUint64(key[:], uint64(i))
				if _, err := s.Read(key[:]); err != nil {
					missing++
				}
			}
			verifyDur := time.Since(start)

			logger.Info("bench complete",
				logpkg.Str("run", run.String()),
				logpkg.Dur("load", loadDur),
				logpkg.Dur("flush", flushDur),
				logpkg.Dur("compact", compactDur),
				logpkg.Dur("verify", verifyDur),
				logpkg.Int64("compacted_until", reached),
				logpkg.Int64("begin", s.Log().BeginAddress()),
				logpkg.Int64("tail", s.Log().TailAddress()),
				logpkg.Int("missing", missing))
			if missing > 0 {
				return fmt.Errorf("bench: %d keys missing after compaction", missing)
			}
			return nil
		},
	}
	addConfigFlags(cmd)
	cmd.Flags().Int("n", 100_000, "records to load")
	cmd.Flags().Int("value-size", 64, "value size in bytes")
	cmd.Flags().String("compaction", "lookup", "compaction strategy: lookup|scan")
	return cmd
}

func infoCmd(logger logpkg.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print engine configuration and address cursors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := store.Open(store.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer s.Close()

			lg := s.Log()
			fmt.Printf("device:        %s\n", cfg.Device)
			fmt.Printf("page size:     %d bytes\n", int64(1)<<cfg.PageSizeBits)
			fmt.Printf("buffer pages:  %d (empty reserved: %d)\n", cfg.BufferPages, cfg.EmptyPageCount)
			fmt.Printf("begin:         %d\n", lg.BeginAddress())
			fmt.Printf("safe head:     %d\n", lg.SafeHeadAddress())
			fmt.Printf("head:          %d\n", lg.HeadAddress())
			fmt.Printf("safe readonly: %d\n", lg.SafeReadOnlyAddress())
			fmt.Printf("readonly:      %d\n", lg.ReadOnlyAddress())
			fmt.Printf("tail:          %d\n", lg.TailAddress())
			fmt.Printf("flushed until: %d\n", lg.FlushedUntilAddress())
			return nil
		},
	}
	addConfigFlags(cmd)
	return cmd
}
