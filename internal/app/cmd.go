package app

// Command はアプリケーションのサブコマンドを表す。
type Command string

const (
	// CommandServe はWebシェルを起動することを示す。
	CommandServe Command = "serve"
	// CommandRegister はユーザー登録を行うことを示す。
	CommandRegister Command = "register"
	// CommandLogin はログインしてセッションを保存することを示す。
	CommandLogin Command = "login"
	// CommandLogout は保存済みのセッションを破棄することを示す。
	CommandLogout Command = "logout"
	// CommandWhoami は現在のユーザーを表示することを示す。
	CommandWhoami Command = "whoami"
	// CommandList は投稿一覧を表示することを示す。
	CommandList Command = "list"
	// CommandPost は投稿を作成することを示す。
	CommandPost Command = "post"
	// CommandDelete は投稿を削除することを示す。
	CommandDelete Command = "delete"
	// CommandImport はフィードの記事を投稿として取り込むことを示す。
	CommandImport Command = "import"
	// CommandMigrate はPostgreSQLセッションストアのマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示することを示す。
	CommandHelp Command = "help"
)

// commands はParseCommandが受け付けるサブコマンドの一覧。
var commands = []Command{
	CommandServe, CommandRegister, CommandLogin, CommandLogout, CommandWhoami,
	CommandList, CommandPost, CommandDelete, CommandImport, CommandMigrate,
	CommandHealthcheck, CommandHelp,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServe、サポート外のコマンドの場合はCommandHelpを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	for _, cmd := range commands {
		if args[0] == string(cmd) {
			return cmd
		}
	}
	return CommandHelp
}

const usage = `Usage: thoughts <command> [flags]

Commands:
  serve                         start the web client
  register -email E [-password P]
  login    -email E [-password P]
  logout                        forget the saved session
  whoami                        show the current user
  list     [-n N]               list your thoughts
  post     <text> | -           post a thought (- reads stdin)
  delete   <id>                 delete a thought
  import   [-n N] <feed-url>    post feed items as thoughts
  migrate  [-down] [-version]   manage the PostgreSQL session schema
  healthcheck                   check the running web client

Passwords omitted from flags are read from the first line of stdin.
`
