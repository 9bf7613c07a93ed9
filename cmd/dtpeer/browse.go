package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sterndu/datatransfer/pkg/discovery"
)

func browseCmd(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "browse",
		Short: "List datatransfer peers announced over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			browser := discovery.NewMDNSBrowser(discovery.BrowserConfig{
				Interface: env.cfg.Discovery.Interface,
			}, env.logger)
			services, err := browser.Browse(ctx)
			if err != nil {
				return err
			}

			found := 0
			for svc := range services {
				found++
				printService(svc)
			}
			if found == 0 {
				fmt.Fprintln(os.Stderr, "No peers found.")
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", discovery.BrowseTimeout, "Browse duration")
	return cmd
}

func printService(svc *discovery.Service) {
	security := "plain"
	if svc.Info.Secure {
		versions := make([]string, len(svc.Info.CipherVersions))
		for i, v := range svc.Info.CipherVersions {
			versions[i] = fmt.Sprint(v)
		}
		security = "secure ciphers=" + strings.Join(versions, ",")
	}
	fmt.Printf("%-24s %-22s v%d.%d %s", svc.InstanceName, svc.Address(), svc.Info.ProtocolMajor, svc.Info.ProtocolMinor, security)
	if svc.Info.WSPath != "" {
		fmt.Printf(" ws=%s", svc.Info.WSPath)
	}
	fmt.Println()
}
