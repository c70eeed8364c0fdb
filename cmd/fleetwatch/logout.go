package main

import (
	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Auth.Logout(); err != nil {
			return err
		}

		if jsonOutput {
			printJSON(map[string]interface{}{"success": true})
		} else {
			printSuccess("Logged out")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
