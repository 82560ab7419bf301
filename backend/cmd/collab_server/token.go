package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"collabcore/backend/internal/config"
	"collabcore/backend/internal/httpapi/middleware"
)

// 本地联调用：签发一个与服务端同密钥的访问令牌
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a development access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		userID, _ := cmd.Flags().GetString("user")
		username, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		token, err := middleware.SignAccessToken([]byte(cfg.Auth.JWTSecret), userID, username, role, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "dev", "user id (token subject)")
	tokenCmd.Flags().String("name", "dev", "display name")
	tokenCmd.Flags().String("role", "", "role, e.g. admin")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
