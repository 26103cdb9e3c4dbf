package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"servd/pkg/types"
)

type applyFlags struct {
	server  string
	name    string
	version int64
	action  string
	source  string
	latest  int
	all     bool
	async   bool
	timeout time.Duration
}

func newApplyCmd() *cobra.Command {
	var f applyFlags
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Send one directive to a running server",
		Example: "  servd apply --name resnet --version 2\n" +
			"  servd apply --name resnet --action DISABLE_MODEL\n" +
			"  servd apply --name bert --source s3://models/bert/1 --async\n" +
			"  servd apply --name resnet --latest 2",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.server, "server", "http://127.0.0.1:8080", "Base URL of the server")
	fl.StringVar(&f.name, "name", "", "Servable name")
	fl.Int64Var(&f.version, "version", 0, "Servable version (0: latest for enable, all for disable/delete)")
	fl.StringVar(&f.action, "action", types.ActionEnable.String(), "ENABLE_MODEL, DISABLE_MODEL or DELETE_MODEL")
	fl.StringVar(&f.source, "source", "", "Source path or s3:// URL")
	fl.IntVar(&f.latest, "latest", 0, "Enable the newest N catalog versions (enable without --version)")
	fl.BoolVar(&f.all, "all-versions", false, "Enable every catalog version (enable without --version)")
	fl.BoolVar(&f.async, "async", false, "Return an operation id instead of waiting")
	fl.DurationVar(&f.timeout, "timeout", 2*time.Minute, "Request timeout")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runApply(ctx context.Context, out io.Writer, f applyFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d := types.Directive{
		Name:    f.name,
		Version: f.version,
		Action:  types.ParseConfigExportAction(strings.ToUpper(strings.TrimSpace(f.action))),
		Source:  f.source,
	}
	if f.latest != 0 || f.all {
		d.Policy = &types.VersionPolicy{Latest: f.latest, All: f.all}
	}
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	url := strings.TrimRight(f.server, "/") + "/v1/config/directives"
	if f.async {
		url += "?async=1"
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e types.ErrorResponse
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	_, err = out.Write(b)
	return err
}
