package cmd

import (
	"fmt"

	"github.com/blang/semver"
	"github.com/spf13/cobra"
)

// Oldest PVE release whose ticket API this client has been used against.
var minServerVersion = semver.MustParse("7.0.0")

var serverVersion bool

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the pvectl version. With --server, log in and print the Proxmox VE version as well.`,
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&serverVersion, "server", false, "also query the server version")
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pvectl %s (built %s)\n", version, buildTime)

	if !serverVersion {
		return nil
	}

	// config is only needed when talking to the server
	if err := initializeApp(cmd, args); err != nil {
		return err
	}

	if _, err := client.Login(cmd.Context()); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	info, err := client.Version(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get server version: %w", err)
	}

	fmt.Fprintf(out, "Proxmox VE %s (release %s, repoid %s)\n", info.Version, info.Release, info.RepoID)

	v, err := info.Semver()
	if err != nil {
		logger.Warn().Err(err).Str("version", info.Version).Msg("Could not parse server version")
		return nil
	}
	if v.LT(minServerVersion) {
		logger.Warn().
			Str("server", v.String()).
			Str("minimum", minServerVersion.String()).
			Msg("Server is older than the oldest tested release")
	}

	return nil
}
