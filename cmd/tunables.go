package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"cpufreq-governor/internal/tunables"
	"cpufreq-governor/internal/web"

	"github.com/spf13/cobra"
)

const defaultAPIAddr = "127.0.0.1:9464"

// apiClient talks to the HTTP API of a running governor.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *apiClient) do(method, path, body string, out interface{}) error {
	req, err := http.NewRequest(method, c.base+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	if body != "" {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return json.Unmarshal(data, out)
}

func tunablePath(group, key string) string {
	p := "/groups/" + url.PathEscape(group) + "/tunables"
	if key != "" {
		p += "/" + url.PathEscape(key)
	}
	return p
}

func newTunablesCmd() *cobra.Command {
	var addr string
	var group string

	tunablesCmd := &cobra.Command{
		Use:   "tunables",
		Short: "Read or change the tunables of a running governor",
	}
	tunablesCmd.PersistentFlags().StringVar(&addr, "addr", defaultAPIAddr, "Governor HTTP address")
	tunablesCmd.PersistentFlags().StringVarP(&group, "group", "g", "", "Group to address")
	tunablesCmd.MarkPersistentFlagRequired("group")

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Print one tunable, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(addr)
			if len(args) == 1 {
				var tv web.TunableValue
				if err := client.do(http.MethodGet, tunablePath(group, args[0]), "", &tv); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tv.Value)
				return nil
			}

			var all map[string]string
			if err := client.do(http.MethodGet, tunablePath(group, ""), "", &all); err != nil {
				return err
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", k, all[k])
			}
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one tunable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var applied tunables.Applied
			if err := newAPIClient(addr).do(http.MethodPut, tunablePath(group, args[0]), args[1], &applied); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", applied.Key, applied.Value)
			if applied.Adjusted {
				fmt.Fprintf(cmd.ErrOrStderr(), "note: %s\n", applied.Reason)
			}
			return nil
		},
	}

	tunablesCmd.AddCommand(getCmd)
	tunablesCmd.AddCommand(setCmd)
	return tunablesCmd
}

func newStatusCmd() *cobra.Command {
	var addr string

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running governor",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status json.RawMessage
			if err := newAPIClient(addr).do(http.MethodGet, "/status", "", &status); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
	statusCmd.Flags().StringVar(&addr, "addr", defaultAPIAddr, "Governor HTTP address")
	return statusCmd
}
