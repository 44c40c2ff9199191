package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agroup14/waybill/internal/client/api"
	"github.com/agroup14/waybill/internal/client/syncer"
	"github.com/agroup14/waybill/internal/client/waybill"
	"github.com/agroup14/waybill/internal/models"
)

func newRootCmd() *cobra.Command {
	var (
		fv  flagValues
		cli *app
	)
	root := &cobra.Command{
		Use:           "waybill",
		Short:         "Offline-first waybill client",
		Version:       fmt.Sprintf("%s (built %s)", orNA(version), orNA(buildDate)),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := loadOptions(cmd, &fv)
			if err != nil {
				return err
			}
			cli, err = newApp(opts)
			if err != nil {
				return err
			}
			if cmd.Name() != "login" && cmd.Name() != "logout" {
				cli.autoLogin(cmd.Context())
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if cli != nil {
				cli.close()
			}
		},
	}
	bindFlags(root, &fv)

	get := func() *app { return cli }
	root.AddCommand(
		newLoginCmd(get),
		newLogoutCmd(get),
		newSyncCmd(get),
		newUploadCmd(get),
		newListCmd(get),
		newAddRegistryCmd(get),
		newSettingsCmd(get),
		newConflictsCmd(get),
		newResolveCmd(get),
		newShellCmd(get),
	)
	return root
}

func newLoginCmd(get func() *app) *cobra.Command {
	var (
		username string
		password string
		remember bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and optionally remember the credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			if username == "" {
				username = p.ask("Логин: ")
			}
			if password == "" {
				password = p.ask("Пароль: ")
			}
			a := get()
			if err := a.session.Login(cmd.Context(), username, password, remember); err != nil {
				if errors.Is(err, api.ErrUnauthorized) {
					return errors.New("неверный логин или пароль")
				}
				return err
			}
			if !a.session.NetworkReady() {
				fmt.Fprintln(cmd.OutOrStdout(), "Локальный вход: синхронизация недоступна")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Вход выполнен: %s\n", a.session.Username())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "login name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (prompted when empty)")
	cmd.Flags().BoolVar(&remember, "remember", true, "remember credentials for auto-login")
	return cmd
}

func newLogoutCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget remembered credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := get().session.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Выход выполнен")
			return nil
		},
	}
}

func newSyncCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [collections...]",
		Short: "Refresh cached collections from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			names := args
			if len(names) == 0 {
				names = a.opts.Collections
			}
			out := cmd.OutOrStdout()
			results, err := a.svc.Resync(cmd.Context(), names, progressTo(out))
			if err != nil {
				return loginHint(err)
			}
			printResults(out, names, results)
			return nil
		},
	}
}

func newUploadCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload [collection]",
		Short: "Submit every pending record of a collection",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := waybill.Collection
			if len(args) == 1 {
				collection = args[0]
			}
			out := cmd.OutOrStdout()
			report, err := get().svc.UploadAllPending(cmd.Context(), collection, progressTo(out))
			if err != nil {
				return loginHint(err)
			}
			printReport(out, report)
			return nil
		},
	}
}

func newListCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <collection>",
		Short: "Show cached, pending and conflicted records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := get().svc.MergedView(args[0])
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), view)
		},
	}
}

func newAddRegistryCmd(get func() *app) *cobra.Command {
	var (
		d    waybill.Draft
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add-registry",
		Short: "Create a waybill from the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			ctx := cmd.Context()
			a.svc.Start(ctx)
			if d.IssuedAt.IsZero() {
				d.IssuedAt = time.Now()
			}
			rec, err := a.registrar.Create(ctx, d)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Создан ПЛ %s (%s)\n", rec.String("numberPL"), rec.TempID())
			if !a.session.NetworkReady() {
				fmt.Fprintln(out, "Нет соединения: ПЛ сохранён локально")
				return nil
			}
			o, ok := awaitOutcome(ctx, a.svc, rec.TempID(), wait)
			printOutcome(out, o, ok)
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64Var(&d.Driver, "driver", 0, "main driver id")
	f.Int64Var(&d.Driver2, "driver2", 0, "second driver id")
	f.Int64Var(&d.Car, "car", 0, "car id (defaults to the driver's first car)")
	f.Int64Var(&d.Contractor, "contractor", 0, "contractor id (defaults to the driver's contractor)")
	f.StringVar(&d.CargoBatch, "batch", "", "cargo batch number")
	f.DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the submission result")
	_ = cmd.MarkFlagRequired("driver")
	return cmd
}

func newSettingsCmd(get func() *app) *cobra.Command {
	var s waybill.Settings
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the default waybill settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := get().registrar
			current, err := r.Settings()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			changed := false
			set := func(name string, dst *int64, v int64) {
				if f.Changed(name) {
					*dst, changed = v, true
				}
			}
			set("season", &current.Season, s.Season)
			set("organization", &current.Organization, s.Organization)
			set("customer", &current.Customer, s.Customer)
			set("gruz", &current.Gruz, s.Gruz)
			set("loading-point", &current.LoadingPoint, s.LoadingPoint)
			set("unloading-point", &current.UnloadingPoint, s.UnloadingPoint)
			if f.Changed("distance") {
				current.Distance, changed = s.Distance, true
			}
			if changed {
				if err := r.SaveSettings(current); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if err := printJSON(out, current); err != nil {
				return err
			}
			if marsh, err := r.RouteCode(current); err == nil {
				fmt.Fprintf(out, "Маршрут: %s\n", marsh)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Int64Var(&s.Season, "season", 0, "season id")
	f.Int64Var(&s.Organization, "organization", 0, "organization id")
	f.Int64Var(&s.Customer, "customer", 0, "customer id")
	f.Int64Var(&s.Gruz, "gruz", 0, "cargo id")
	f.Int64Var(&s.LoadingPoint, "loading-point", 0, "loading point id")
	f.Int64Var(&s.UnloadingPoint, "unloading-point", 0, "unloading point id")
	f.StringVar(&s.Distance, "distance", "", "route distance")
	return cmd
}

func newConflictsCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts [collection]",
		Short: "List records refused as duplicates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection := waybill.Collection
			if len(args) == 1 {
				collection = args[0]
			}
			list, err := get().svc.Conflicts().List(collection)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "Конфликтов нет")
				return nil
			}
			for _, rec := range list {
				fmt.Fprintf(out, "%s\t%s\t%s\n", rec.TempID(), rec.String("numberPL"), rec.String(models.FieldConflictReason))
			}
			return nil
		},
	}
}

func newResolveCmd(get func() *app) *cobra.Command {
	var (
		collection string
		discard    bool
		sets       []string
	)
	cmd := &cobra.Command{
		Use:   "resolve <temp_id>",
		Short: "Discard a conflicted record or requeue it with edits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			tempID := args[0]
			out := cmd.OutOrStdout()
			if discard {
				if err := a.svc.DiscardConflict(collection, tempID); err != nil {
					return err
				}
				fmt.Fprintf(out, "Удалён %s\n", tempID)
				return nil
			}
			rec, err := findConflict(a.svc, collection, tempID)
			if err != nil {
				return err
			}
			if err := applyAssignments(rec, sets); err != nil {
				return err
			}
			ctx := cmd.Context()
			a.svc.Start(ctx)
			if _, err := a.svc.RequeueConflict(ctx, collection, rec); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s возвращён в очередь\n", tempID)
			if a.session.NetworkReady() {
				o, ok := awaitOutcome(ctx, a.svc, tempID, time.Duration(a.opts.Timeout))
				printOutcome(out, o, ok)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&collection, "collection", waybill.Collection, "collection of the record")
	f.BoolVar(&discard, "discard", false, "drop the record instead of requeueing it")
	f.StringArrayVar(&sets, "set", nil, "field=value edit applied before requeueing (repeatable)")
	return cmd
}

// errLoginRequired tells the user to log in before syncing again.
var errLoginRequired = errors.New("требуется вход: выполните login")

// needsLogin reports whether err means the credentials are missing or were
// refused by the server.
func needsLogin(err error) bool {
	return errors.Is(err, api.ErrUnauthorized) || errors.Is(err, api.ErrNotReady)
}

func loginHint(err error) error {
	if needsLogin(err) {
		return fmt.Errorf("%w (%v)", errLoginRequired, err)
	}
	return err
}

func findConflict(svc *syncer.Service, collection, tempID string) (models.Record, error) {
	list, err := svc.Conflicts().List(collection)
	if err != nil {
		return nil, err
	}
	for _, rec := range list {
		if rec.TempID() == tempID {
			return rec.Clone(), nil
		}
	}
	return nil, fmt.Errorf("конфликт %s не найден в %s", tempID, collection)
}

// applyAssignments applies field=value edits. Integer-looking values are
// stored as numbers so that id references keep their type.
func applyAssignments(rec models.Record, sets []string) error {
	for _, s := range sets {
		field, value, ok := strings.Cut(s, "=")
		if !ok || field == "" {
			return fmt.Errorf("invalid assignment %q, want field=value", s)
		}
		if field == models.FieldTempID || field == models.FieldID {
			return fmt.Errorf("field %s cannot be edited", field)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			rec[field] = n
			continue
		}
		rec[field] = value
	}
	return nil
}

// awaitOutcome waits for the background submitter to report on tempID.
func awaitOutcome(ctx context.Context, svc *syncer.Service, tempID string, wait time.Duration) (syncer.Outcome, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case out := <-svc.Submissions():
			if out.TempID == tempID {
				return out, true
			}
		case <-timer.C:
			return syncer.Outcome{}, false
		case <-ctx.Done():
			return syncer.Outcome{}, false
		}
	}
}

func printOutcome(w io.Writer, out syncer.Outcome, ok bool) {
	switch {
	case !ok:
		fmt.Fprintln(w, "Ответ сервера не получен: ПЛ останется в очереди")
	case out.State == syncer.StateConfirmed:
		fmt.Fprintf(w, "Отправлен, id %d\n", out.ID)
	case out.State == syncer.StateConflicted:
		fmt.Fprintf(w, "Конфликт: %s\n", out.Detail)
	default:
		fmt.Fprintf(w, "Не отправлен (%s): %s\n", out.State, cmp.Or(out.Detail, errString(out.Err)))
	}
}

func progressTo(w io.Writer) syncer.Progress {
	return func(msg string) { fmt.Fprintln(w, msg) }
}

func printResults(w io.Writer, names []string, results map[string]syncer.Result) {
	for _, name := range names {
		r, ok := results[name]
		switch {
		case !ok:
			fmt.Fprintf(w, "%-18s пропущено\n", name)
		case r.OK && r.Changed:
			fmt.Fprintf(w, "%-18s обновлено\n", name)
		case r.OK:
			fmt.Fprintf(w, "%-18s без изменений\n", name)
		default:
			fmt.Fprintf(w, "%-18s ошибка: %s\n", name, errString(r.Err))
		}
	}
}

func printReport(w io.Writer, r syncer.UploadReport) {
	fmt.Fprintf(w, "Отправлено: %d, конфликтов: %d, осталось в очереди: %d\n",
		r.Confirmed, r.Conflicted, r.Remaining())
}

func printRecords(w io.Writer, recs []models.Record) error {
	sort.SliceStable(recs, func(i, j int) bool {
		a, aok := recs[i].ID()
		b, bok := recs[j].ID()
		if aok != bok {
			return aok
		}
		return a < b
	})
	for _, rec := range recs {
		mark := "  "
		switch rec[models.FieldStatus] {
		case models.StatusUnsynced:
			mark = "* "
		case models.StatusConflict:
			mark = "! "
		}
		b, err := json.Marshal(rec.Payload())
		if err != nil {
			return err
		}
		key := rec.TempID()
		if id, ok := rec.ID(); ok {
			key = strconv.FormatInt(id, 10)
		}
		fmt.Fprintf(w, "%s%s\t%s\n", mark, key, b)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func orNA(s string) string { return cmp.Or(s, "N/A") }
