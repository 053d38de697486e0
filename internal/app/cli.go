package app

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hitoshi/thoughts/internal/api"
	"github.com/hitoshi/thoughts/internal/config"
	"github.com/hitoshi/thoughts/internal/importer"
	"github.com/hitoshi/thoughts/internal/metrics"
	"github.com/hitoshi/thoughts/internal/model"
	"github.com/hitoshi/thoughts/internal/security"
	"github.com/hitoshi/thoughts/internal/session"
)

// cliScope はCLIのセッションを保存する名前空間。
const cliScope = "cli"

// ErrNotLoggedIn はログインが必要なコマンドをセッションなしで実行したことを示す。
var ErrNotLoggedIn = errors.New("not logged in: run `thoughts login` first")

// cli はCLIサブコマンドの実行環境。
type cli struct {
	cfg      *config.Config
	client   *api.Client
	in       *bufio.Reader
	out      io.Writer
	recorder metrics.Recorder
}

// runCLI はセッションバックエンドを開き、CLIサブコマンドを実行する。
func runCLI(cfg *config.Config, streams Streams, cmd Command, args []string) error {
	ctx := context.Background()

	backend, err := session.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open session backend: %w", err)
	}
	defer backend.Close()

	c := newCLI(cfg, backend, streams)
	return c.run(ctx, cmd, args)
}

func newCLI(cfg *config.Config, backend session.Backend, streams Streams) *cli {
	in := streams.In
	if in == nil {
		in = strings.NewReader("")
	}
	recorder := metrics.Nop{}
	return &cli{
		cfg:      cfg,
		client:   newGatewayClient(cfg, session.NewStore(backend, cliScope), recorder, nil),
		in:       bufio.NewReader(in),
		out:      streams.Out,
		recorder: recorder,
	}
}

func (c *cli) run(ctx context.Context, cmd Command, args []string) error {
	var err error
	switch cmd {
	case CommandRegister:
		err = c.register(ctx, args)
	case CommandLogin:
		err = c.login(ctx, args)
	case CommandLogout:
		err = c.logout(ctx)
	case CommandWhoami:
		err = c.whoami(ctx)
	case CommandList:
		err = c.list(ctx, args)
	case CommandPost:
		err = c.post(ctx, args)
	case CommandDelete:
		err = c.delete(ctx, args)
	case CommandImport:
		err = c.importFeed(ctx, args)
	default:
		return fmt.Errorf("unsupported command: %q", cmd)
	}

	// 401はセッション破棄済みのため、再ログインを促す
	if api.IsUnauthorized(err) && cmd != CommandLogin {
		return fmt.Errorf("%w (session expired)", ErrNotLoggedIn)
	}
	return err
}

func newFlagSet(cmd Command, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(string(cmd), flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// readLine は入力から1行読み取り、末尾の改行を除いて返す。
func (c *cli) readLine() (string, error) {
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// credentials は -email と -password を解析する。パスワードが省略された場合は入力から読む。
func (c *cli) credentials(cmd Command, args []string) (string, string, error) {
	fs := newFlagSet(cmd, c.out)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (read from stdin when omitted)")
	if err := fs.Parse(args); err != nil {
		return "", "", err
	}

	if strings.TrimSpace(*email) == "" {
		return "", "", model.ErrEmailRequired
	}
	if *password == "" {
		p, err := c.readLine()
		if err != nil {
			return "", "", fmt.Errorf("failed to read password: %w", err)
		}
		*password = p
	}
	return strings.TrimSpace(*email), *password, nil
}

func (c *cli) register(ctx context.Context, args []string) error {
	email, password, err := c.credentials(CommandRegister, args)
	if err != nil {
		return err
	}

	form := model.Registration{Email: email, Password: password, ConfirmPassword: password}
	if err := form.Validate(); err != nil {
		return err
	}

	if _, _, err := c.client.Register(ctx, email, password); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Registered %s. Run `thoughts login -email %s` to sign in.\n", email, email)
	return nil
}

func (c *cli) login(ctx context.Context, args []string) error {
	email, password, err := c.credentials(CommandLogin, args)
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password is required")
	}

	_, user, err := c.client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Logged in as %s\n", user.Email)
	return nil
}

func (c *cli) logout(ctx context.Context) error {
	if err := c.client.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "Logged out")
	return nil
}

// currentUser はログイン中のユーザーを返す。
// 一時的な失敗はログアウト扱いにせず1回だけ再試行し、それでも失敗すればそのまま返す。
func (c *cli) currentUser(ctx context.Context) (*model.User, error) {
	user, err := c.client.LookupCurrentUser(ctx)
	if api.IsTransient(err) {
		slog.Debug("retrying current user lookup", slog.String("error", err.Error()))
		user, err = c.client.LookupCurrentUser(ctx)
	}
	if errors.Is(err, api.ErrNoSession) {
		return nil, ErrNotLoggedIn
	}
	return user, err
}

func (c *cli) whoami(ctx context.Context) error {
	user, err := c.currentUser(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Email:\t%s\n", user.Email)
	fmt.Fprintf(tw, "ID:\t%d\n", user.ID)
	fmt.Fprintf(tw, "Verified:\t%t\n", user.EmailVerified)
	if !user.CreatedAt.IsZero() {
		fmt.Fprintf(tw, "Member since:\t%s\n", user.CreatedAt.Local().Format("2006-01-02"))
	}
	if exp, err := c.client.SessionExpiry(ctx); err == nil {
		fmt.Fprintf(tw, "Session expires:\t%s\n", exp.Local().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (c *cli) list(ctx context.Context, args []string) error {
	fs := newFlagSet(CommandList, c.out)
	limit := fs.Int("n", 0, "show at most n thoughts (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := c.requireToken(ctx); err != nil {
		return err
	}

	thoughts, err := c.client.GetThoughts(ctx)
	if err != nil {
		return err
	}
	if len(thoughts) == 0 {
		fmt.Fprintln(c.out, "No thoughts yet.")
		return nil
	}
	if *limit > 0 && len(thoughts) > *limit {
		thoughts = thoughts[:*limit]
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, t := range thoughts {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", t.ID, t.CreatedAt.Local().Format("2006-01-02 15:04"), security.Truncate(oneLine(t.Content), 80))
	}
	return tw.Flush()
}

func (c *cli) post(ctx context.Context, args []string) error {
	content := strings.TrimSpace(strings.Join(args, " "))
	if content == "-" {
		b, err := io.ReadAll(c.in)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		content = strings.TrimSpace(string(b))
	}
	if content == "" {
		return errors.New("content is required")
	}

	if _, err := c.requireToken(ctx); err != nil {
		return err
	}

	t, err := c.client.CreateThought(ctx, content)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Posted #%d\n", t.ID)
	return nil
}

func (c *cli) delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: thoughts delete <id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid thought id: %q", args[0])
	}

	if _, err := c.requireToken(ctx); err != nil {
		return err
	}

	deleted, err := c.client.DeleteThought(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Deleted #%d\n", deleted)
	return nil
}

func (c *cli) importFeed(ctx context.Context, args []string) error {
	fs := newFlagSet(CommandImport, c.out)
	limit := fs.Int("n", 0, "import at most n items (default IMPORT_MAX_ITEMS)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: thoughts import [-n N] <feed-url>")
	}

	if _, err := c.requireToken(ctx); err != nil {
		return err
	}

	guard := security.NewSSRFGuard()
	im := importer.New(c.client, guard, guard.NewSafeClient(c.cfg.ImportTimeout), c.recorder, slog.Default(),
		importer.Options{
			Timeout:     c.cfg.ImportTimeout,
			MaxBodySize: c.cfg.ImportMaxSize,
			MaxItems:    c.cfg.ImportMaxItems,
		},
	)

	result, err := im.Import(ctx, fs.Arg(0), *limit)
	if result != nil {
		fmt.Fprintf(c.out, "Imported %d thoughts from %q (skipped %d, failed %d)\n",
			len(result.Created), result.FeedTitle, result.Skipped, result.Failed)
	}
	return err
}

// requireToken はセッションにトークンがあることを確認する。
// トークンがなければ通信せずにErrNotLoggedInを返す。
func (c *cli) requireToken(ctx context.Context) (string, error) {
	token, err := c.client.Store().Token(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNotLoggedIn
	}
	return token, nil
}

// oneLine は改行を空白に置き換える。
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
