// Command productshot is the command-line client of the generation engine.
// It keeps a per-user local cache so listings work offline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"productshot/internal/auth"
	"productshot/internal/client/remote"
	"productshot/internal/client/session"
	"productshot/internal/config"
	"productshot/internal/entity"
	"productshot/internal/errs"
	"productshot/internal/metrics"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// buildVersion is set at link time: -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func tokenPath(stateDir string) string { return filepath.Join(stateDir, "token.json") }

func saveToken(stateDir, tok string, exp time.Time) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tokenFile{AccessToken: tok, ExpiresAt: exp}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(tokenPath(stateDir), b, 0o600)
}

func loadToken(stateDir string) (string, error) {
	b, err := os.ReadFile(tokenPath(stateDir))
	if err != nil {
		return "", fmt.Errorf("no saved token (login required): %w", errs.ErrUnauthorized)
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", fmt.Errorf("token expired (login required): %w", errs.ErrUnauthorized)
	}
	return tf.AccessToken, nil
}

// ---- utils ----

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", describe(err))
	os.Exit(exitCode(err))
}

// describe adds a hint for errors the user can act on.
func describe(err error) string {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return err.Error() + " (run: productshot login)"
	case errors.Is(err, errs.ErrQuotaExhausted):
		return err.Error() + " (run: productshot apply-quota)"
	case errors.Is(err, errs.ErrTransport) && remote.StatusCode(err) == 0:
		return err.Error() + " (server unreachable, cached data is still available offline)"
	default:
		return err.Error()
	}
}

// exitCode 区分可由脚本处理的失败类型
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errs.ErrUnauthorized):
		return 3
	case errors.Is(err, errs.ErrQuotaExhausted):
		return 4
	case errors.Is(err, errs.ErrTransport):
		return 5
	case remote.StatusCode(err) >= 400:
		// 服务端拒绝了请求
		return 6
	default:
		return 1
	}
}

// splitList splits a comma separated flag value.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseParams reads k=v pairs separated by commas.
func parseParams(v string) (entity.JSONMap, error) {
	pairs := splitList(v)
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(entity.JSONMap, len(pairs))
	for _, pair := range pairs {
		k, val, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("bad param %q, want key=value: %w", pair, errs.ErrInvalidInput)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `productshot CLI
Usage:
  productshot [-api URL] [-state DIR] [-metrics-addr ADDR] [-v] <cmd> [args]

Commands:
  version
  register     -email <email> -password <pw> [-name <display name>]
  login        -email <email> -password <pw>          (saves token)
  logout
  sync
  list         [-favorites]
  generate     -type <task type> -input <url,...> [-param k=v,...] [-no-wait]
  status       -task <task id>
  favorite     -gen <generation id> -index <n>
  unfavorite   -id <favorite id> | -gen <generation id> -index <n>
  select       -gen <generation id> -index <n,...>
  delete       -ref <generation id | task id>
  quota        [-refresh]
  apply-quota  -email <email> -reason <text> [-feedback <text>]
  check-update [-apply]
`)
	os.Exit(2)
}

// ---- main ----

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("failed to load .env")
	}

	cfg, err := config.ParseClientConfig()
	if err != nil {
		fail(err)
	}

	apiURL := flag.String("api", cfg.APIBaseURL, "backend base url")
	stateDir := flag.String("state", cfg.StateDir, "directory for the token and local cache")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "serve prometheus metrics on this address")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.WarnLevel)
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg.APIBaseURL = *apiURL
	cfg.StateDir = *stateDir
	if cfg.StateDir == "" {
		if cfg.StateDir, err = session.StateDir(cfg); err != nil {
			fail(err)
		}
	}
	if cfg.BuildVersion == "" && buildVersion != "dev" {
		cfg.BuildVersion = buildVersion
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "version":
		runVersion(ctx, cfg)
	case "register":
		runRegister(ctx, cfg, args)
	case "login":
		runLogin(ctx, cfg, args)
	case "logout":
		if err := os.Remove(tokenPath(cfg.StateDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
			fail(err)
		}
		fmt.Println("ok")
	default:
		runSessionCommand(ctx, cfg, cmd, args)
	}
}

func anonymousClient(cfg config.ClientConfig) *remote.HTTPClient {
	client, err := remote.NewHTTPClient(remote.Options{
		BaseURL:        cfg.APIBaseURL,
		RequestTimeout: cfg.RequestTimeout,
		RequestsPerSec: cfg.RequestsPerSec,
		RequestBurst:   cfg.RequestBurst,
		ReadRetries:    cfg.ReadRetries,
		ReadRetryBase:  cfg.ReadRetryBase,
	})
	if err != nil {
		fail(err)
	}
	return client
}

func runVersion(ctx context.Context, cfg config.ClientConfig) {
	served, err := anonymousClient(cfg).GetBuildVersion(ctx)
	if err != nil {
		served = "unreachable"
	}
	fmt.Printf("productshot %s (server %s)\n", buildVersion, served)
}

func runRegister(ctx context.Context, cfg config.ClientConfig, args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	name := fs.String("name", "", "display name")
	_ = fs.Parse(args)
	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "need -email and -password")
		os.Exit(1)
	}
	resp, err := anonymousClient(cfg).Register(ctx, *email, *password, *name)
	if err != nil {
		fail(err)
	}
	if err := saveToken(cfg.StateDir, resp.Token, resp.ExpiresAt); err != nil {
		fail(err)
	}
	fmt.Println(resp.User.ID)
}

func runLogin(ctx context.Context, cfg config.ClientConfig, args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	_ = fs.Parse(args)
	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "need -email and -password")
		os.Exit(1)
	}
	resp, err := anonymousClient(cfg).Login(ctx, *email, *password)
	if err != nil {
		fail(err)
	}
	exp := resp.ExpiresAt
	if exp.IsZero() {
		if claims, err := auth.InspectToken(resp.Token); err == nil && claims.ExpiresAt != nil {
			exp = claims.ExpiresAt.Time
		}
	}
	if err := saveToken(cfg.StateDir, resp.Token, exp); err != nil {
		fail(err)
	}
	fmt.Println("ok")
}

func runSessionCommand(ctx context.Context, cfg config.ClientConfig, cmd string, args []string) {
	if cfg.Token == "" {
		tok, err := loadToken(cfg.StateDir)
		if err != nil {
			fail(err)
		}
		cfg.Token = tok
	}

	s, _, err := session.NewFromConfig(cfg)
	if err != nil {
		fail(err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close session")
		}
	}()
	if err := s.Start(ctx); err != nil {
		fail(err)
	}
	if s.Version.UpdateAvailable() {
		fmt.Fprintf(os.Stderr, "a new build (%s) is available; run: productshot check-update -apply\n", s.Version.ServedVersion())
	}

	switch cmd {
	case "sync":
		if err := s.Cache.Sync(ctx); err != nil {
			fail(err)
		}
		fmt.Printf("%d generations, %d favorites\n", len(s.Cache.Generations()), len(s.Cache.Favorites()))

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		favorites := fs.Bool("favorites", false, "list favorites instead of generations")
		_ = fs.Parse(args)
		if *favorites {
			type row struct {
				ID, GenerationID, Sync string
				ImageIndex             int
			}
			rows := []row{}
			for _, f := range s.Cache.Favorites() {
				rows = append(rows, row{ID: f.ID, GenerationID: f.GenerationID, Sync: string(f.Sync), ImageIndex: f.ImageIndex})
			}
			printJSON(rows)
			return
		}
		type row struct {
			ID, TaskID, Type, Status, CreatedAt string
			Outputs                             []string
		}
		rows := []row{}
		for _, g := range s.Cache.Generations() {
			rows = append(rows, row{
				ID:        g.ID,
				TaskID:    g.TaskID,
				Type:      string(g.TaskType),
				Status:    string(g.Status),
				CreatedAt: g.CreatedAt.Format(time.RFC3339),
				Outputs:   g.OutputImages,
			})
		}
		printJSON(rows)

	case "generate":
		fs := flag.NewFlagSet("generate", flag.ExitOnError)
		taskType := fs.String("type", string(entity.TaskTypeProductScene), "task type")
		inputs := fs.String("input", "", "comma separated input image urls")
		params := fs.String("param", "", "comma separated key=value params")
		noWait := fs.Bool("no-wait", false, "return after submission")
		_ = fs.Parse(args)

		p, err := parseParams(*params)
		if err != nil {
			fail(err)
		}
		created, err := s.Tasks.Create(entity.TaskType(*taskType), splitList(*inputs), p)
		if err != nil {
			fail(err)
		}
		fmt.Fprintln(os.Stderr, "task", created.ID)
		if *noWait {
			t, err := s.Tasks.Submit(ctx, created.ID)
			if err != nil {
				fail(err)
			}
			printJSON(map[string]string{"task_id": t.ID, "generation_id": t.GenerationID, "state": string(t.State)})
			return
		}
		t, err := s.Tasks.Run(ctx, created.ID)
		if err != nil {
			fail(err)
		}
		printJSON(t.Generation)

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		taskID := fs.String("task", "", "task id")
		_ = fs.Parse(args)
		if *taskID == "" {
			fmt.Fprintln(os.Stderr, "need -task")
			os.Exit(1)
		}
		gen, err := s.Remote.GetGenerationByTaskID(ctx, *taskID)
		if errors.Is(err, errs.ErrTransport) {
			if cached, ok := s.Cache.GenerationByTaskID(*taskID); ok {
				fmt.Fprintln(os.Stderr, "server unreachable, showing cached record")
				printJSON(cached)
				return
			}
		}
		if err != nil {
			fail(err)
		}
		if gen.Status.IsTerminal() {
			_ = s.Cache.RecordCompletion(ctx, gen)
		}
		printJSON(gen)

	case "favorite":
		fs := flag.NewFlagSet("favorite", flag.ExitOnError)
		gen := fs.String("gen", "", "generation id")
		idx := fs.Int("index", 0, "image index")
		_ = fs.Parse(args)
		fav, err := s.Cache.AddFavoriteOptimistic(ctx, *gen, *idx)
		switch {
		case errors.Is(err, errs.ErrTransport):
			fmt.Fprintln(os.Stderr, "offline: favorite saved locally and will sync later")
		case errors.Is(err, errs.ErrConflict) && fav.ID != "":
			fmt.Fprintln(os.Stderr, "already a favorite")
		case err != nil:
			fail(err)
		}
		printJSON(fav)

	case "unfavorite":
		fs := flag.NewFlagSet("unfavorite", flag.ExitOnError)
		id := fs.String("id", "", "favorite id")
		gen := fs.String("gen", "", "generation id")
		idx := fs.Int("index", 0, "image index")
		_ = fs.Parse(args)
		target := *id
		if target == "" {
			fav, ok := s.Cache.FavoriteFor(*gen, *idx)
			if !ok {
				fmt.Println("ok")
				return
			}
			target = fav.ID
		}
		if err := s.Cache.RemoveFavorite(ctx, target); err != nil {
			if !errors.Is(err, errs.ErrTransport) {
				fail(err)
			}
			fmt.Fprintln(os.Stderr, "offline: removal will sync later")
		}
		fmt.Println("ok")

	case "select":
		fs := flag.NewFlagSet("select", flag.ExitOnError)
		gen := fs.String("gen", "", "generation id")
		idx := fs.String("index", "", "comma separated image indexes")
		_ = fs.Parse(args)
		var indexes []int
		for _, v := range splitList(*idx) {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(fmt.Errorf("bad index %q: %w", v, errs.ErrInvalidInput))
			}
			indexes = append(indexes, n)
		}
		printJSON(s.Cache.SaveSelection(*gen, indexes))

	case "delete":
		fs := flag.NewFlagSet("delete", flag.ExitOnError)
		ref := fs.String("ref", "", "generation id or task id")
		_ = fs.Parse(args)
		if err := s.Tasks.Delete(ctx, *ref); err != nil {
			if !errors.Is(err, errs.ErrTransport) {
				fail(err)
			}
			fmt.Fprintln(os.Stderr, "offline: delete will sync later")
		}
		fmt.Println("ok")

	case "quota":
		fs := flag.NewFlagSet("quota", flag.ExitOnError)
		refresh := fs.Bool("refresh", false, "refresh from the server first")
		_ = fs.Parse(args)
		if *refresh {
			if _, err := s.Quota.Refresh(ctx); err != nil {
				fail(err)
			}
		}
		s.WaitIdle()
		snap, _ := s.Quota.Snapshot()
		printJSON(map[string]any{
			"remaining":    s.Quota.Display(),
			"used":         snap.Used,
			"severity":     s.Quota.Severity(),
			"refreshed_at": snap.RefreshedAt,
		})

	case "apply-quota":
		fs := flag.NewFlagSet("apply-quota", flag.ExitOnError)
		email := fs.String("email", "", "contact email")
		reason := fs.String("reason", "", "why more quota is needed")
		feedback := fs.String("feedback", "", "product feedback")
		_ = fs.Parse(args)
		app, err := s.Quota.SubmitApplication(ctx, *email, *reason, *feedback)
		if err != nil {
			fail(err)
		}
		printJSON(app)

	case "check-update":
		fs := flag.NewFlagSet("check-update", flag.ExitOnError)
		apply := fs.Bool("apply", false, "drop caches of the old build")
		_ = fs.Parse(args)
		if !s.Version.Check(ctx) {
			fmt.Println("up to date")
			return
		}
		fmt.Println("new build available:", s.Version.ServedVersion())
		if *apply {
			if _, err := s.Version.Apply(ctx); err != nil {
				fail(err)
			}
			s.WaitIdle()
			fmt.Println("cache rebuilt")
		}

	default:
		usage()
	}
}
