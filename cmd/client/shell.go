package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agroup14/waybill/internal/client/api"
	"github.com/agroup14/waybill/internal/client/syncer"
	"github.com/agroup14/waybill/internal/client/waybill"
	"github.com/agroup14/waybill/internal/models"
)

const shellHelp = "Команды: help, status, login, sync [коллекции...], upload [коллекция], list <коллекция>, add, conflicts, discard <temp_id>, exit"

func newShellCmd(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell with background sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a.svc.Start(ctx)
			syncer.StartAutoSync(ctx, a.svc, time.Duration(a.opts.AutoSync),
				[]string{waybill.Collection}, a.opts.Collections, a.log.Log.Named("autosync"))

			repl(ctx, a, newPrompter(cmd.InOrStdin(), cmd.OutOrStdout()), cmd.OutOrStdout())
			return nil
		},
	}
}

// repl runs the interactive shell loop until exit or end of input.
func repl(ctx context.Context, a *app, p *prompter, out io.Writer) {
	for {
		if ctx.Err() != nil {
			return
		}
		fmt.Fprint(out, "waybill> ")
		if !p.scanner.Scan() {
			break
		}
		args := strings.Fields(p.scanner.Text())
		if len(args) == 0 {
			continue
		}
		if !runShellCommand(ctx, a, p, out, args) {
			fmt.Fprintln(out, "Пока")
			return
		}
	}
}

// runShellCommand executes one line. It reports false on exit.
func runShellCommand(ctx context.Context, a *app, p *prompter, out io.Writer, args []string) bool {
	var err error
	switch args[0] {
	case "help":
		fmt.Fprintln(out, shellHelp)
	case "status":
		pending, conflicts, serr := a.svc.Outstanding(waybill.Collection)
		if serr != nil {
			err = serr
			break
		}
		user := a.session.Username()
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(out, "Пользователь: %s, сеть: %t, в очереди: %d, конфликтов: %d\n",
			user, a.session.NetworkReady(), pending, conflicts)
	case "login":
		err = shellLogin(ctx, a, p, out)
	case "sync":
		names := args[1:]
		if len(names) == 0 {
			names = a.opts.Collections
		}
		err = withRelogin(ctx, a, p, out, func() error {
			results, err := a.svc.Resync(ctx, names, progressTo(out))
			if err == nil {
				printResults(out, names, results)
			}
			return err
		})
	case "upload":
		collection := waybill.Collection
		if len(args) > 1 {
			collection = args[1]
		}
		err = withRelogin(ctx, a, p, out, func() error {
			report, err := a.svc.UploadAllPending(ctx, collection, progressTo(out))
			if err == nil {
				printReport(out, report)
			}
			return err
		})
	case "list":
		if len(args) < 2 {
			fmt.Fprintln(out, "Использование: list <коллекция>")
			break
		}
		view, lerr := a.svc.MergedView(args[1])
		if lerr != nil {
			err = lerr
			break
		}
		err = printRecords(out, view)
	case "add":
		err = promptRegistry(ctx, a, p, out)
	case "conflicts":
		list, cerr := a.svc.Conflicts().List(waybill.Collection)
		if cerr != nil {
			err = cerr
			break
		}
		for _, rec := range list {
			fmt.Fprintf(out, "%s\t%s\t%s\n", rec.TempID(), rec.String("numberPL"), rec.String(models.FieldConflictReason))
		}
	case "discard":
		if len(args) < 2 {
			fmt.Fprintln(out, "Использование: discard <temp_id>")
			break
		}
		err = a.svc.DiscardConflict(waybill.Collection, args[1])
	case "exit", "quit":
		return false
	default:
		fmt.Fprintln(out, "Неизвестная команда. Введите help.")
	}
	if err != nil {
		fmt.Fprintln(out, "Ошибка:", err)
	}
	return true
}

// withRelogin runs fn and, when it fails for lack of valid credentials,
// asks for them and runs fn once more.
func withRelogin(ctx context.Context, a *app, p *prompter, out io.Writer, fn func() error) error {
	err := fn()
	if !needsLogin(err) {
		return err
	}
	fmt.Fprintln(out, "Требуется повторный вход")
	if err := shellLogin(ctx, a, p, out); err != nil {
		return err
	}
	return fn()
}

func shellLogin(ctx context.Context, a *app, p *prompter, out io.Writer) error {
	username := p.ask("Логин: ")
	password := p.ask("Пароль: ")
	if err := a.session.Login(ctx, username, password, true); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return errors.New("неверный логин или пароль")
		}
		return err
	}
	fmt.Fprintf(out, "Вход выполнен: %s\n", a.session.Username())
	return nil
}

// promptRegistry asks for the draft fields and creates a waybill.
func promptRegistry(ctx context.Context, a *app, p *prompter, out io.Writer) error {
	var (
		d   waybill.Draft
		err error
	)
	if d.Driver, err = p.askID("Водитель (id): "); err != nil {
		return err
	}
	if d.Driver2, err = p.askID("Второй водитель (id, Enter - нет): "); err != nil {
		return err
	}
	if d.Car, err = p.askID("Машина (id, Enter - по водителю): "); err != nil {
		return err
	}
	d.CargoBatch = p.ask("Партия груза (Enter - нет): ")
	d.IssuedAt = time.Now()

	rec, err := a.registrar.Create(ctx, d)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Создан ПЛ %s (%s)\n", rec.String("numberPL"), rec.TempID())
	return nil
}
