package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/chriscow/livekit-silence-go/pkg/timing"
	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Timing profile commands",
}

var profileShowCmd = &cobra.Command{
	Use:   "show [language...]",
	Short: "Print timing profiles as YAML",
	Long: `Print the timing profiles that calls in the given languages would use.
With no languages every profile in the registry is printed. Languages
without a profile fall back to the built-in preset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogger(cmd)
		path, _ := cmd.Flags().GetString("profiles")

		reg, err := loadProfiles(path)
		if err != nil {
			return err
		}
		languages := args
		if len(languages) == 0 {
			languages = reg.Languages()
		}
		profiles := make([]*timing.Profile, 0, len(languages))
		for _, lang := range languages {
			profiles = append(profiles, reg.Resolve(lang))
		}

		out, err := timing.Marshal(profiles...)
		if err != nil {
			return fmt.Errorf("marshal profiles: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var profileValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a profile document for ordering and range errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(cmd)

		reg, err := timing.LoadFile(args[0])
		if err != nil {
			return err
		}
		languages := reg.Languages()
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d profile(s): %s\n", len(languages), strings.Join(languages, ", "))
		logger.Debug("Profiles validated", slog.String("file", args[0]), slog.Int("count", len(languages)))
		return nil
	},
}

// loadProfiles reads a profile document, or returns the built-in presets
// when path is empty.
func loadProfiles(path string) (*timing.Registry, error) {
	if path == "" {
		return timing.DefaultRegistry(), nil
	}
	return timing.LoadFile(path)
}

func addProfilesFlag(cmd *cobra.Command) {
	cmd.Flags().String("profiles", "", "YAML timing profile document (default: built-in presets)")
}

func init() {
	addProfilesFlag(profileShowCmd)
	profileCmd.AddCommand(profileShowCmd, profileValidateCmd)
}
