package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	supportlog "github.com/stellar/go/support/log"
	goxdr "github.com/stellar/go/xdr"

	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/config"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/daemon"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/daemon/interfaces"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/db"
	"github.com/stellar/txquery-rpc/cmd/txquery-rpc/internal/fixtures"
)

func mustLoadConfig(cfg *config.Config) {
	if err := cfg.SetValues(os.LookupEnv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadFixture(cfg *config.Config, path string) (fixtures.Summary, error) {
	logger := supportlog.New()
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogFormat == config.LogFormatJSON {
		logger.UseJSONFormatter()
	}

	file, err := os.Open(path)
	if err != nil {
		return fixtures.Summary{}, err
	}
	defer file.Close()
	fixture, err := fixtures.Parse(file)
	if err != nil {
		return fixtures.Summary{}, err
	}

	conn, err := daemon.OpenDB(cfg, logger, nil)
	if err != nil {
		return fixtures.Summary{}, err
	}
	defer conn.Close()
	rw := db.NewReadWriter(logger, conn, interfaces.MakeNoOpDeamon(), cfg.BlockRetentionWindow)
	return fixtures.Load(context.Background(), logger, rw, fixture)
}

func main() {
	var cfg config.Config

	rootCmd := &cobra.Command{
		Use:   "txquery-rpc",
		Short: "Start the transaction query JSON RPC server",
		Run: func(_ *cobra.Command, _ []string) {
			mustLoadConfig(&cfg)
			daemon.MustNew(&cfg, supportlog.New()).Run()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		Run: func(_ *cobra.Command, _ []string) {
			if config.CommitHash == "" {
				fmt.Printf("txquery-rpc dev\n")
			} else {
				// the branch is only interesting for builds off main
				branch := config.Branch
				if branch == "main" {
					branch = ""
				}
				fmt.Printf("txquery-rpc %s (%s) %s\n", config.Version, config.CommitHash, branch)
			}
			fmt.Printf("stellar-xdr %s\n", goxdr.CommitHash)
		},
	}

	genConfigFileCmd := &cobra.Command{
		Use:   "gen-config-file",
		Short: "Generate a config file with default settings",
		Run: func(_ *cobra.Command, _ []string) {
			// no Validate: the generated file is a template to fill in
			if err := cfg.SetValues(os.LookupEnv); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			out, err := cfg.MarshalTOML()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Println(string(out))
		},
	}

	loadCmd := &cobra.Command{
		Use:   "load <fixture.yaml>",
		Short: "Load a YAML ledger fixture into the database",
		Args:  cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			mustLoadConfig(&cfg)
			summary, err := loadFixture(&cfg, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "could not load fixture: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("loaded %d transactions and %d pending statuses, latest block %d\n",
				summary.Transactions, summary.Pending, summary.LatestBlockHeight)
		},
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(genConfigFileCmd)
	rootCmd.AddCommand(loadCmd)

	if err := cfg.AddFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "could not parse config options: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "could not run: %v\n", err)
		os.Exit(1)
	}
}
