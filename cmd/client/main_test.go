package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agroup14/waybill/internal/client/storage"
	"github.com/agroup14/waybill/internal/models"
)

const offlineURL = "http://127.0.0.1:1/api/v1/"

// run executes the root command against a private cache directory.
func run(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	return runAt(t, dir, offlineURL, stdin, args...)
}

// runAt is run with an explicit server URL.
func runAt(t *testing.T, dir, baseURL, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	base := []string{
		"--config", filepath.Join(dir, "missing.json"),
		"--cache-dir", dir,
		"--url", baseURL,
		"--log-level", "error",
	}
	root.SetArgs(append(args, base...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedReference(t *testing.T, dir string) {
	t.Helper()
	store, err := storage.NewStore(dir, nil)
	require.NoError(t, err)
	save := func(key string, doc any) { require.NoError(t, store.Save(key, doc)) }
	save("loading-points", []any{map[string]any{"id": 1, "name": "Карьер"}})
	save("unloading-points", []any{map[string]any{"id": 2, "name": "Отвал"}})
	save("gruzes", []any{map[string]any{"id": 3, "name": "Песок"}})
	save("drivers", []any{map[string]any{"id": 10, "cars": []any{55}}})
	save("registries", []any{map[string]any{"id": 100, "marsh": "КО-П", "season": 2026, "numberPL": "КО-П-1"}})
}

func TestSettingsCommand_Persists(t *testing.T) {
	dir := t.TempDir()
	seedReference(t, dir)

	out, err := run(t, dir, "", "settings", "--season", "2026", "--loading-point", "1",
		"--unloading-point", "2", "--gruz", "3", "--distance", "12")
	require.NoError(t, err)
	assert.Contains(t, out, `"season": 2026`)
	assert.Contains(t, out, "Маршрут: КО-П")

	out, err = run(t, dir, "", "settings")
	require.NoError(t, err)
	assert.Contains(t, out, `"distance": "12"`)
}

func TestAddRegistry_OfflineStaysPending(t *testing.T) {
	dir := t.TempDir()
	seedReference(t, dir)
	_, err := run(t, dir, "", "settings", "--season", "2026", "--loading-point", "1",
		"--unloading-point", "2", "--gruz", "3")
	require.NoError(t, err)

	out, err := run(t, dir, "", "add-registry", "--driver", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "Создан ПЛ КО-П-2")
	assert.Contains(t, out, "сохранён локально")

	out, err = run(t, dir, "", "list", "registries")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "  100\t"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "* temp_"), lines[1])
	assert.Contains(t, lines[1], `"number":55`)

	_, err = run(t, dir, "", "add-registry")
	assert.Error(t, err, "driver is required")
}

func TestLogin_OfflineAccount(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("OFFLINE_USER", "admin")
	t.Setenv("OFFLINE_PASSWORD", "secret")

	out, err := run(t, dir, "admin\nsecret\n", "login")
	require.NoError(t, err)
	assert.Contains(t, out, "Локальный вход")

	store, err := storage.NewStore(dir, nil)
	require.NoError(t, err)
	var creds models.Credentials
	ok, err := store.LoadInto(storage.AuthKey, &creds)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "admin", creds.Username)

	out, err = run(t, dir, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Выход выполнен")
	assert.False(t, store.Exists(storage.AuthKey))
}

func TestUpload_OfflineIsNotReady(t *testing.T) {
	_, err := run(t, t.TempDir(), "", "upload")
	assert.ErrorIs(t, err, errLoginRequired)
	assert.ErrorContains(t, err, "выполните login")
}

// rotatedPasswordServer accepts "old" and "new" for the login check but
// only "new" for drivers, as if the password changed after the last login.
func rotatedPasswordServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		valid := ok && user == "disp" && (pass == "new" || pass == "old")
		if strings.HasSuffix(r.URL.Path, "/drivers/") {
			valid = ok && user == "disp" && pass == "new"
		}
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": 10}]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestShell_SyncAsksForLoginOnUnauthorized(t *testing.T) {
	srv := rotatedPasswordServer(t)
	dir := t.TempDir()
	store, err := storage.NewStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(storage.AuthKey, models.Credentials{Username: "disp", Password: "old"}))

	out, err := runAt(t, dir, srv.URL+"/api/v1/", "sync drivers\ndisp\nnew\nexit\n",
		"shell", "--autosync", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Требуется повторный вход")
	assert.Contains(t, out, "Вход выполнен: disp")
	assert.Contains(t, out, "обновлено")

	var creds models.Credentials
	ok, err := store.LoadInto(storage.AuthKey, &creds)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", creds.Password)
}

func TestShell_SyncWithoutCredentialsRejectsWrongPassword(t *testing.T) {
	srv := rotatedPasswordServer(t)

	out, err := runAt(t, t.TempDir(), srv.URL+"/api/v1/", "sync drivers\ndisp\nwrong\nexit\n",
		"shell", "--autosync", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Требуется повторный вход")
	assert.Contains(t, out, "неверный логин или пароль")
	assert.NotContains(t, out, "обновлено")
}

func TestSyncCommand_UnauthorizedSuggestsLogin(t *testing.T) {
	srv := rotatedPasswordServer(t)
	dir := t.TempDir()
	store, err := storage.NewStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(storage.AuthKey, models.Credentials{Username: "disp", Password: "old"}))

	_, err = runAt(t, dir, srv.URL+"/api/v1/", "", "sync", "drivers")
	assert.ErrorIs(t, err, errLoginRequired)
	assert.ErrorContains(t, err, "выполните login")
}

func TestConflicts_Resolve(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(dir, nil)
	require.NoError(t, err)
	conflicts := storage.NewConflictRegistry(store, nil)
	require.NoError(t, conflicts.Mark("registries", models.Record{"temp_id": "temp_1", "numberPL": "A-1"}, "дубликат"))

	out, err := run(t, dir, "", "conflicts")
	require.NoError(t, err)
	assert.Contains(t, out, "temp_1\tA-1\tдубликат")

	out, err = run(t, dir, "", "resolve", "temp_1", "--set", "numberPL=A-2", "--set", "driver=7")
	require.NoError(t, err)
	assert.Contains(t, out, "возвращён в очередь")

	pending, err := storage.NewPendingQueue(store, nil).List("registries")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "A-2", pending[0]["numberPL"])
	assert.EqualValues(t, 7, pending[0]["driver"])
	assert.NotContains(t, pending[0], models.FieldConflictReason)

	_, err = run(t, dir, "", "resolve", "temp_404", "--discard")
	require.NoError(t, err)
	_, err = run(t, dir, "", "resolve", "temp_404")
	assert.ErrorContains(t, err, "не найден")
}

func TestShell_Commands(t *testing.T) {
	dir := t.TempDir()
	seedReference(t, dir)

	out, err := run(t, dir, "help\nstatus\nlist drivers\nbogus\nexit\n", "shell", "--autosync", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Команды:")
	assert.Contains(t, out, "в очереди: 0, конфликтов: 0")
	assert.Contains(t, out, "  10\t")
	assert.Contains(t, out, "Неизвестная команда")
	assert.Contains(t, out, "Пока")
}

func TestApplyAssignments(t *testing.T) {
	rec := models.Record{"temp_id": "temp_1"}
	require.NoError(t, applyAssignments(rec, []string{"numberPL=X-1", "driver=12", "note=a=b"}))
	assert.Equal(t, "X-1", rec["numberPL"])
	assert.Equal(t, int64(12), rec["driver"])
	assert.Equal(t, "a=b", rec["note"])

	assert.Error(t, applyAssignments(rec, []string{"noequals"}))
	assert.Error(t, applyAssignments(rec, []string{"temp_id=x"}))
}

func TestPrompter_AskID(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("42\n\nabc\n"), &out)

	id, err := p.askID("id: ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	id, err = p.askID("id: ")
	require.NoError(t, err)
	assert.Zero(t, id)

	_, err = p.askID("id: ")
	assert.Error(t, err)
	assert.Equal(t, "id: id: id: ", out.String())
}

func TestLoadOptions_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("API_URL", "http://env/api/v1/")
	t.Setenv("CACHE_DIR", "/tmp/env-cache")

	root := &cobra.Command{Use: "waybill"}
	fv := flagValues{}
	bindFlags(root, &fv)
	require.NoError(t, root.ParseFlags([]string{"--url", "http://flag/api/v1/", "--config", ""}))

	opts, err := loadOptions(root, &fv)
	require.NoError(t, err)
	assert.Equal(t, "http://flag/api/v1/", opts.BaseURL)
	assert.Equal(t, "/tmp/env-cache", opts.CacheDir)
}
