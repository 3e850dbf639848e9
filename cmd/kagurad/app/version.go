package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JFK/kagura-ai-sub007/pkg/versions"
)

func newVersionCommand() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(_ *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if outputJSON {
				raw, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				return nil
			}
			fmt.Printf("kagurad %s\ncommit: %s\nbuilt: %s\ngo: %s\nplatform: %s\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	return cmd
}
