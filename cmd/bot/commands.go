package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"tgninja/internal/app"
	"tgninja/internal/storage"
	"tgninja/internal/task/engine"
	"tgninja/pkg/logx"
)

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "bot",
		Short:         "Multi-account Telegram automation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the engine, scheduler and notifier (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfgPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the job store schema",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := app.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
				st, err := app.OpenStore(cfg, logx.NewConsole("info"))
				if err != nil {
					return err
				}
				defer st.Close()
				fmt.Fprintln(cmd.OutOrStdout(), "store is up to date")
				return nil
			},
		},
		newEncryptCmd(&cfgPath),
		newAccountCmd(&cfgPath),
		newJobsCmd(&cfgPath),
	)
	return root
}

func serve(ctx context.Context, cfgPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, c := context.WithTimeout(context.Background(), 15*time.Second)
		defer c()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, c := context.WithTimeout(context.Background(), 15*time.Second)
	defer c()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

// readSecret takes the value from args or, when absent, the first stdin line.
func readSecret(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil {
			return "", errors.Wrap(err, "read credential")
		}
		return "", errors.New("credential required")
	}
	return line, nil
}

func newEncryptCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [credential]",
		Short: "Encrypt a session credential for storage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			v, err := app.OpenVault(cfg)
			if err != nil {
				return err
			}
			plain, err := readSecret(cmd, args)
			if err != nil {
				return err
			}
			ct, err := v.Encrypt(plain)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ct)
			return nil
		},
	}
}

func newAccountCmd(cfgPath *string) *cobra.Command {
	var (
		ref   string
		user  int64
		label string
	)
	add := &cobra.Command{
		Use:   "add [credential]",
		Short: "Store an account with its encrypted session credential",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(ref) == "" || user == 0 {
				return errors.New("--ref and --user are required")
			}
			cfg, err := app.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			v, err := app.OpenVault(cfg)
			if err != nil {
				return err
			}
			plain, err := readSecret(cmd, args)
			if err != nil {
				return err
			}
			ct, err := v.Encrypt(plain)
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
			if err != nil {
				return err
			}
			defer st.Close()
			err = st.SaveAccount(cmd.Context(), storage.Account{Ref: ref, UserRef: user, Label: label, Credential: ct})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s saved\n", ref)
			return nil
		},
	}
	add.Flags().StringVar(&ref, "ref", "", "account reference")
	add.Flags().Int64Var(&user, "user", 0, "owning Telegram user id")
	add.Flags().StringVar(&label, "label", "", "display label")

	acc := &cobra.Command{Use: "account", Short: "Manage automation accounts"}
	acc.AddCommand(add)
	return acc
}

func newJobsCmd(cfgPath *string) *cobra.Command {
	var user int64
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List a user's jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == 0 {
				return errors.New("--user is required")
			}
			st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			jobs, err := st.ListJobs(cmd.Context(), user)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tNEXT DUE\tERROR")
			for _, j := range jobs {
				next := "-"
				if !j.NextDue.IsZero() {
					next = j.NextDue.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d ok, %d failed\t%s\t%s\n",
					j.ID, j.Kind, j.Status, j.Succeeded, len(j.Items), j.Failed, next, j.Error)
			}
			return w.Flush()
		},
	}
	cmd.PersistentFlags().Int64Var(&user, "user", 0, "owning Telegram user id")
	cmd.AddCommand(newJobsDeleteCmd(cfgPath, &user), newJobsExportCmd(cfgPath, &user))
	return cmd
}

func openStore(cfgPath string) (storage.Store, error) {
	cfg, err := app.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.OpenStore(cfg, logx.NewConsole("warn"))
}

// ownedJob loads id and checks that it belongs to user.
func ownedJob(ctx context.Context, st storage.Store, user int64, id string) (storage.Job, error) {
	if user == 0 {
		return storage.Job{}, errors.New("--user is required")
	}
	j, err := st.LoadJob(ctx, id)
	if err == nil && j.UserRef != user {
		err = errors.Wrapf(storage.ErrNotFound, "job %s", id)
	}
	return j, err
}

func newJobsDeleteCmd(cfgPath *string, user *int64) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job and its parsed members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			j, err := ownedJob(cmd.Context(), st, *user, args[0])
			if err != nil {
				return err
			}
			// A run in progress belongs to a serving process; only it can stop it.
			if j.Status == storage.StatusInProgress {
				return errors.WithHint(errors.Newf("job %s is running", j.ID), "stop the job before deleting it")
			}
			if _, err := st.DeleteJob(cmd.Context(), j.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s deleted\n", j.ID)
			return nil
		},
	}
}

func newJobsExportCmd(cfgPath *string, user *int64) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Write the members collected by a parse job as a text list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			j, err := ownedJob(cmd.Context(), st, *user, args[0])
			if err != nil {
				return err
			}
			if j.Kind != storage.KindParse {
				return errors.Newf("job %s is a %s job, not a parse job", j.ID, j.Kind)
			}
			members, err := st.ListMembers(cmd.Context(), j.ID)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				return engine.WriteMembers(cmd.OutOrStdout(), members, time.Now())
			}
			f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return errors.Wrap(err, "open export file")
			}
			if err := engine.WriteMembers(f, members, time.Now()); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return errors.Wrap(err, "close export file")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d members written to %s\n", len(members), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, stdout when empty")
	return cmd
}
