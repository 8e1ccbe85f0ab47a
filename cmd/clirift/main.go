package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	certcmd "github.com/sandrotbilisi/clirift/cmd/cert"
	nodecmd "github.com/sandrotbilisi/clirift/cmd/clirift-node"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:   "clirift",
		Short: "Threshold ECDSA wallet cluster node",
	}

	root.AddCommand(certcmd.New())
	root.AddCommand(nodecmd.New())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("clirift: fatal error")
	}
}
