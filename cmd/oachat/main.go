// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

// oachat is the command line front end for the anonymous access layer:
// inference ticket registration and redemption, and station trust
// inspection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenAnonymity/oa-chat-sub000/common"
	"github.com/OpenAnonymity/oa-chat-sub000/config"
	"github.com/OpenAnonymity/oa-chat-sub000/core/blindsig"
	"github.com/OpenAnonymity/oa-chat-sub000/core/log"
	"github.com/OpenAnonymity/oa-chat-sub000/ticket"
	"github.com/OpenAnonymity/oa-chat-sub000/verifier"
)

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "oachat",
		Short: "OpenAnonymity chat access client",
		Long: `oachat manages the anonymous access layer of the OpenAnonymity chat
client: it registers invitation codes for blind-signed inference tickets,
redeems tickets for station API keys, and tracks station trust state
against the trust oracle.`,
		Example: `
  # Register an invitation code for inference tickets
  oachat --config client.toml register a1b2c3d4e5f6a7b8c9d0000a

  # Redeem tickets for a station API key
  oachat --config client.toml request-key --name laptop --tickets 2

  # Show known station trust states
  oachat --config client.toml stations`,
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"path to the client configuration file (TOML format)")
	cmd.MarkPersistentFlagRequired("config")

	cmd.AddCommand(
		newRegisterCommand(&configFile),
		newRequestKeyCommand(&configFile),
		newSubmitKeyCommand(&configFile),
		newStationsCommand(&configFile),
		newWatchCommand(&configFile),
	)
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

// app bundles everything a subcommand needs.
type app struct {
	cfg        *config.Config
	logBackend *log.Backend
	store      *ticket.Store
	client     *ticket.Client
}

func newApp(configFile string) (*app, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	logBackend, err := cfg.Logging.NewLogBackend()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %v", err)
	}
	store, err := ticket.NewStore(cfg.Storage.TicketDB(), logBackend)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:        cfg,
		logBackend: logBackend,
		store:      store,
		client:     ticket.NewClient(cfg, store, blindsig.NewRSAProvider(), logBackend),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

func newRegisterCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register <invitation-code>",
		Short: "Register an invitation code for blind-signed inference tickets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			batch, err := a.client.AlphaRegister(cmd.Context(), args[0],
				func(message string, percent int) {
					fmt.Fprintf(cmd.OutOrStdout(), "[%3d%%] %s\n", percent, message)
				})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %d tickets (expires %s)\n",
				batch.TicketsIssued, batch.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newRequestKeyCommand(configFile *string) *cobra.Command {
	var name string
	var tickets int

	cmd := &cobra.Command{
		Use:   "request-key",
		Short: "Redeem inference tickets for a station API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			grant, err := a.client.RequestAPIKey(cmd.Context(), name, tickets)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Station:  %s\n", grant.StationID)
			fmt.Fprintf(out, "URL:      %s\n", grant.StationURL)
			fmt.Fprintf(out, "Key:      %s\n", grant.Key)
			fmt.Fprintf(out, "Expires:  %s\n", time.Unix(grant.ExpiresAtUnix, 0).Format(time.RFC3339))
			fmt.Fprintf(out, "Tickets:  %d consumed\n", grant.TicketsConsumed)

			// Submit the fresh key to the trust oracle so the station
			// state reflects it immediately.
			v, err := verifier.New(a.cfg, a.logBackend)
			if err != nil {
				return err
			}
			defer v.Shutdown()
			res := v.SubmitKey(cmd.Context(), grant)
			fmt.Fprintf(out, "Trust:    %s\n", res.Status)
			if res.BannedStation != nil {
				fmt.Fprintf(out, "WARNING: station banned: %s\n", res.BannedStation.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name for the issued API key")
	cmd.Flags().IntVar(&tickets, "tickets", 1, "number of tickets to redeem")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newSubmitKeyCommand(configFile *string) *cobra.Command {
	var stationID, key, stationSig, orgSig string
	var expiresAt int64

	cmd := &cobra.Command{
		Use:   "submit-key",
		Short: "Submit an existing API key to the trust oracle for validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config file: %v", err)
			}
			logBackend, err := cfg.Logging.NewLogBackend()
			if err != nil {
				return err
			}
			v, err := verifier.New(cfg, logBackend)
			if err != nil {
				return err
			}
			defer v.Shutdown()

			res := v.SubmitKey(cmd.Context(), &ticket.ApiKeyGrant{
				StationID:        stationID,
				Key:              key,
				StationSignature: stationSig,
				OrgSignature:     orgSig,
				ExpiresAtUnix:    expiresAt,
			})
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Result: %s\n", res.Status)
			if res.BannedStation != nil {
				fmt.Fprintf(out, "Station banned: %s\n", res.BannedStation.Reason)
			}
			if res.Err != nil {
				return res.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stationID, "station", "", "station identifier")
	cmd.Flags().StringVar(&key, "key", "", "API key")
	cmd.Flags().StringVar(&stationSig, "station-signature", "", "station endorsement signature")
	cmd.Flags().StringVar(&orgSig, "org-signature", "", "organization endorsement signature")
	cmd.Flags().Int64Var(&expiresAt, "expires-at", 0, "key expiry (unix seconds)")
	cmd.MarkFlagRequired("station")
	cmd.MarkFlagRequired("key")
	return cmd
}

func newStationsCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stations",
		Short: "Show known station trust states",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config file: %v", err)
			}
			logBackend, err := cfg.Logging.NewLogBackend()
			if err != nil {
				return err
			}
			v, err := verifier.New(cfg, logBackend)
			if err != nil {
				return err
			}
			defer v.Shutdown()

			// Best effort refresh; a failed poll falls back to the
			// persisted snapshot.
			if _, err := v.QueryBroadcast(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: broadcast poll failed: %v\n", err)
			}

			stations := v.Stations()
			ids := make([]string, 0, len(stations))
			for id := range stations {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATION\tSTATUS\tSTALENESS\tLAST VERIFIED")
			for _, id := range ids {
				st := stations[id]
				last := "never"
				if !st.LastVerified.IsZero() {
					last = st.LastVerified.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, st.Status, v.StalenessFor(id), last)
			}
			return w.Flush()
		},
	}
}

func newWatchCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the trust verifier and print station state changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load config file: %v", err)
			}
			logBackend, err := cfg.Logging.NewLogBackend()
			if err != nil {
				return err
			}
			v, err := verifier.New(cfg, logBackend)
			if err != nil {
				return err
			}
			defer v.Shutdown()

			out := cmd.OutOrStdout()
			v.OnOracleOffline = func() {
				fmt.Fprintln(out, "trust oracle OFFLINE")
			}
			v.OnOracleOnline = func() {
				fmt.Fprintln(out, "trust oracle back online")
			}
			v.OnStationWarning = func(stationID string, level verifier.Staleness) {
				fmt.Fprintf(out, "station %s is %s\n", stationID, level)
			}

			events := v.Subscribe()
			v.Start()

			haltCh := make(chan os.Signal, 1)
			signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			for {
				select {
				case ev := <-events:
					fmt.Fprintf(out, "%s station %s -> %s\n",
						time.Now().Format("15:04:05"), ev.StationID, ev.State.Status)
				case <-haltCh:
					return nil
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}
