package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := Cfg
		fmt.Printf("Workspace: %s\n", c.Workspace)
		fmt.Printf("Chunker:   min=%s avg=%s max=%s\n",
			fmtSize(c.Chunker.MinSize), fmtSize(c.Chunker.AvgSize), fmtSize(c.Chunker.MaxSize))

		switch c.Spool.Backend {
		case "s3":
			fmt.Printf("Spool:     s3 bucket=%s region=%s endpoint=%s key=%s secret=%s\n",
				c.Spool.S3.Bucket, c.Spool.S3.Region, c.Spool.S3.Endpoint,
				mask(c.Spool.S3.AccessKey), mask(c.Spool.S3.SecretKey))
		default:
			fmt.Printf("Spool:     disk path=%s\n", c.Spool.Path)
		}

		if c.Dedup.Enabled {
			fmt.Printf("Dedup:     redis url=%s ttl=%s\n", c.Dedup.RedisURL, c.Dedup.TTL)
		} else {
			fmt.Printf("Dedup:     spool-only (redis disabled)\n")
		}

		switch c.Session.Driver {
		case "postgres":
			fmt.Printf("Sessions:  postgres dsn=%s\n", mask(c.Session.PostgresDSN))
		default:
			fmt.Printf("Sessions:  sqlite path=%s\n", c.Session.SQLitePath)
		}

		fmt.Printf("Verify:    coverage threshold %.3f\n", c.Verify.CoverageThreshold)
		fmt.Printf("Uplink:    %d workers\n", c.Uplink.Workers)
		return nil
	},
}

// mask 隐藏敏感值，只提示是否已设置
func mask(s string) string {
	if s == "" {
		return "(unset)"
	}
	return "(set)"
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
