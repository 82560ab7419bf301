package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// 构建时通过 ldflags 注入
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "collab_server",
	Short:   "Realtime collaborative editing server",
	Long:    `collab_server 负责文档的实时协同编辑：操作变换、版本排序、编辑锁、在线状态与光标广播。`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("collab_server %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "path to collabConfig.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}
